package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"tg-source-bot/internal/domain"
)

var (
	ErrPermissionDenied = errors.New("канал принадлежит другому пользователю")
	ErrChannelNotFound  = errors.New("канал не найден")
	ErrInvalidChannelID = errors.New("некорректный идентификатор канала")
	ErrNotVerified      = errors.New("пароль не подтверждён")
	ErrInvalidStatus    = errors.New("некорректный статус канала")
)

// RegistrationAuthorizer решает, может ли пользователь добавлять каналы.
type RegistrationAuthorizer interface {
	CanRegisterChannel(userID int64) bool
}

// Service хранит реестр отслеживаемых каналов. Все изменения сразу пишутся в хранилище.
// writeMu выстраивает изменения в очередь, mu охраняет только карту в памяти,
// поэтому чтение не ждёт записи в хранилище.
type Service struct {
	writeMu  sync.Mutex
	mu       sync.RWMutex
	channels map[int64]domain.Channel
	nextSeq  int64

	repo   domain.ChannelRepo
	auth   RegistrationAuthorizer
	events domain.BusinessMetricRepo
	logger zerolog.Logger
	now    func() time.Time
}

// NewService создаёт реестр каналов.
func NewService(repo domain.ChannelRepo, auth RegistrationAuthorizer, events domain.BusinessMetricRepo, logger zerolog.Logger) *Service {
	return &Service{
		channels: make(map[int64]domain.Channel),
		repo:     repo,
		auth:     auth,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// ValidChannelID проверяет, что id имеет вид канала Bot API: -100XXXXXXXXXX.
func ValidChannelID(id int64) bool {
	s := strconv.FormatInt(id, 10)
	return strings.HasPrefix(s, "-100") && len(s) > len("-100")
}

// ParseChannelID разбирает идентификатор канала Bot API вида -100XXXXXXXXXX.
func ParseChannelID(input string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(input), 10, 64)
	if err != nil || !ValidChannelID(id) {
		return 0, ErrInvalidChannelID
	}
	return id, nil
}

// Load поднимает каналы из хранилища.
func (s *Service) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	list, err := s.repo.LoadChannels(ctx)
	if err != nil {
		return fmt.Errorf("загрузка каналов: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range list {
		if !ch.Status.Valid() {
			ch.Status = domain.ChannelActive
		}
		s.channels[ch.ID] = ch
		if ch.Seq > s.nextSeq {
			s.nextSeq = ch.Seq
		}
	}
	s.logger.Info().Int("channels", len(list)).Msg("channels: реестр загружен")
	return nil
}

// Register добавляет канал пользователю. Повторное добавление своего канала ничего не меняет.
func (s *Service) Register(ctx context.Context, channelID, ownerID int64) (domain.Channel, error) {
	if !ValidChannelID(channelID) {
		return domain.Channel{}, ErrInvalidChannelID
	}
	if s.auth != nil && !s.auth.CanRegisterChannel(ownerID) {
		return domain.Channel{}, ErrNotVerified
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	existing, ok := s.channels[channelID]
	seq := s.nextSeq + 1
	s.mu.RUnlock()
	if ok {
		if existing.OwnerID != ownerID {
			return domain.Channel{}, ErrPermissionDenied
		}
		return existing, nil
	}

	ch := domain.Channel{
		ID:           channelID,
		OwnerID:      ownerID,
		Status:       domain.ChannelActive,
		RegisteredAt: s.now().UTC(),
		Seq:          seq,
	}
	if err := s.repo.SaveChannel(ctx, ch); err != nil {
		return domain.Channel{}, fmt.Errorf("сохранение канала: %w", err)
	}
	s.mu.Lock()
	s.nextSeq = ch.Seq
	s.channels[channelID] = ch
	s.mu.Unlock()

	s.logger.Info().Int64("channel", channelID).Int64("owner", ownerID).Msg("channels: канал добавлен")
	s.record(ctx, domain.BusinessMetricEventChannelRegistered, ch)
	return ch, nil
}

// Unregister удаляет канал. Удалить канал может только владелец.
func (s *Service) Unregister(ctx context.Context, channelID, ownerID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ch, err := s.owned(channelID, ownerID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteChannel(ctx, channelID); err != nil {
		return fmt.Errorf("удаление канала: %w", err)
	}
	s.mu.Lock()
	delete(s.channels, channelID)
	s.mu.Unlock()

	s.logger.Info().Int64("channel", channelID).Int64("owner", ownerID).Msg("channels: канал удалён")
	s.record(ctx, domain.BusinessMetricEventChannelRemoved, ch)
	return nil
}

// SetStatus ставит канал на паузу или возобновляет обработку.
func (s *Service) SetStatus(ctx context.Context, channelID, ownerID int64, status domain.ChannelStatus) (domain.Channel, error) {
	if !status.Valid() {
		return domain.Channel{}, ErrInvalidStatus
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ch, err := s.owned(channelID, ownerID)
	if err != nil {
		return domain.Channel{}, err
	}
	if ch.Status == status {
		return ch, nil
	}
	ch.Status = status
	if err := s.repo.SaveChannel(ctx, ch); err != nil {
		return domain.Channel{}, fmt.Errorf("сохранение статуса канала: %w", err)
	}
	s.mu.Lock()
	s.channels[channelID] = ch
	s.mu.Unlock()

	s.logger.Info().Int64("channel", channelID).Str("status", string(status)).Msg("channels: статус изменён")
	return ch, nil
}

// List возвращает каналы пользователя в порядке добавления.
func (s *Service) List(ownerID int64) []domain.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := lo.Filter(lo.Values(s.channels), func(ch domain.Channel, _ int) bool {
		return ch.OwnerID == ownerID
	})
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	return list
}

// Get возвращает канал по идентификатору.
func (s *Service) Get(channelID int64) (domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return domain.Channel{}, ErrChannelNotFound
	}
	return ch, nil
}

func (s *Service) owned(channelID, ownerID int64) (domain.Channel, error) {
	s.mu.RLock()
	ch, ok := s.channels[channelID]
	s.mu.RUnlock()
	if !ok {
		return domain.Channel{}, ErrChannelNotFound
	}
	if ch.OwnerID != ownerID {
		return domain.Channel{}, ErrPermissionDenied
	}
	return ch, nil
}

func (s *Service) record(ctx context.Context, event string, ch domain.Channel) {
	if s.events == nil {
		return
	}
	owner, channel := ch.OwnerID, ch.ID
	if err := s.events.RecordBusinessMetric(ctx, domain.BusinessMetric{
		Event:      event,
		UserID:     &owner,
		ChannelID:  &channel,
		OccurredAt: s.now(),
	}); err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("channels: не удалось сохранить бизнес-метрику")
	}
}

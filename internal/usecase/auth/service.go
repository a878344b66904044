package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-source-bot/internal/domain"
)

var (
	ErrWrongPassword      = errors.New("неверный пароль")
	ErrNotVerified        = errors.New("пароль не подтверждён")
	ErrAlreadyEstablished = errors.New("MTProto-сессия уже установлена")
	ErrAuthInProgress     = errors.New("авторизация уже идёт")
	ErrOutOfOrder         = errors.New("шаг авторизации не по порядку")
	ErrNothingToCancel    = errors.New("нет начатой авторизации")
	ErrInvalidPhone       = errors.New("некорректный номер телефона")
	ErrInvalidCode        = errors.New("некорректный код")
)

type userState struct {
	session domain.UserSession
	// gen меняется при отмене, чтобы ответ запоздавшего шага был отброшен.
	gen  uint64
	busy bool
}

// Service ведёт два трека авторизации пользователя: пароль бота и MTProto-сессию.
type Service struct {
	mu       sync.Mutex
	users    map[int64]*userState
	repo     domain.SessionRepo
	mtproto  domain.MTProtoAuthenticator
	events   domain.BusinessMetricRepo
	password string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService создаёт сервис авторизации. Пустой пароль означает, что подтвердить его нельзя.
func NewService(repo domain.SessionRepo, mtproto domain.MTProtoAuthenticator, events domain.BusinessMetricRepo, password string, logger zerolog.Logger) *Service {
	return &Service{
		users:    make(map[int64]*userState),
		repo:     repo,
		mtproto:  mtproto,
		events:   events,
		password: password,
		logger:   logger,
		now:      time.Now,
	}
}

// Load восстанавливает сохранённые сессии. Незавершённые MTProto-входы сбрасываются.
func (s *Service) Load(ctx context.Context) error {
	sessions, err := s.repo.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("загрузка сессий: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range sessions {
		if sess.MTProto != domain.MTProtoEstablished {
			sess.MTProto = domain.MTProtoNone
		}
		if sess.Password != domain.PasswordVerified {
			sess.Password = domain.PasswordUnauthenticated
		}
		sess.Pending = nil
		s.users[sess.UserID] = &userState{session: sess}
	}
	s.logger.Info().Int("sessions", len(sessions)).Msg("auth: сессии загружены")
	return nil
}

// State возвращает копию сессии пользователя.
func (s *Service) State(userID int64) domain.UserSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.userLocked(userID).session
	if sess.Pending != nil {
		p := *sess.Pending
		sess.Pending = &p
	}
	return sess
}

// CanRegisterChannel сообщает, может ли пользователь добавлять каналы.
func (s *Service) CanRegisterChannel(userID int64) bool {
	return s.State(userID).Verified()
}

// CanRunLookup сообщает, есть ли у пользователя MTProto-сессия для поиска.
func (s *Service) CanRunLookup(userID int64) bool {
	return s.State(userID).MTProto == domain.MTProtoEstablished
}

// SubmitPassword проверяет пароль бота. Неверный пароль не меняет состояние.
func (s *Service) SubmitPassword(ctx context.Context, userID int64, candidate string) error {
	if s.password == "" || subtle.ConstantTimeCompare([]byte(candidate), []byte(s.password)) != 1 {
		s.logger.Info().Int64("user", userID).Msg("auth: неверный пароль")
		return ErrWrongPassword
	}
	s.mu.Lock()
	st := s.userLocked(userID)
	if st.session.Verified() {
		s.mu.Unlock()
		return nil
	}
	st.session.Password = domain.PasswordVerified
	st.session.UpdatedAt = s.now()
	snapshot := st.session
	s.mu.Unlock()

	return s.persist(ctx, snapshot)
}

// StartAuthentication начинает вход MTProto: ждём номер телефона.
func (s *Service) StartAuthentication(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.userLocked(userID)
	switch {
	case !st.session.Verified():
		return ErrNotVerified
	case st.session.MTProto == domain.MTProtoEstablished:
		return ErrAlreadyEstablished
	case st.session.MTProto.Pending():
		return ErrAuthInProgress
	}
	st.session.MTProto = domain.MTProtoAwaitingPhone
	st.session.Pending = &domain.PendingAuth{StartedAt: s.now()}
	st.session.UpdatedAt = s.now()
	s.logger.Info().Int64("user", userID).Msg("auth: начат вход MTProto")
	return nil
}

// SubmitPhone отправляет код подтверждения на номер.
func (s *Service) SubmitPhone(ctx context.Context, userID int64, phone string) error {
	phone, ok := normalizePhone(phone)
	if !ok {
		if _, _, err := s.begin(userID, domain.MTProtoAwaitingPhone); err != nil {
			return err
		}
		s.release(userID)
		return ErrInvalidPhone
	}
	_, gen, err := s.begin(userID, domain.MTProtoAwaitingPhone)
	if err != nil {
		return err
	}
	hash, err := s.mtproto.SendCode(ctx, userID, phone)
	if err != nil {
		s.fail(userID, gen, "отправка кода", err)
		return fmt.Errorf("отправка кода: %w", err)
	}
	s.finish(userID, gen, func(sess *domain.UserSession) {
		sess.MTProto = domain.MTProtoAwaitingCode
		sess.Pending.Phone = phone
		sess.Pending.CodeHash = hash
	})
	return nil
}

// SubmitCode завершает вход кодом. Если аккаунт защищён облачным паролем, ждём его.
func (s *Service) SubmitCode(ctx context.Context, userID int64, code string) error {
	code = digitsOnly(code)
	if code == "" {
		if _, _, err := s.begin(userID, domain.MTProtoAwaitingCode); err != nil {
			return err
		}
		s.release(userID)
		return ErrInvalidCode
	}
	pending, gen, err := s.begin(userID, domain.MTProtoAwaitingCode)
	if err != nil {
		return err
	}
	err = s.mtproto.SignIn(ctx, userID, pending.Phone, code, pending.CodeHash)
	switch {
	case errors.Is(err, domain.ErrSecondFactorRequired):
		s.finish(userID, gen, func(sess *domain.UserSession) {
			sess.MTProto = domain.MTProtoAwaiting2FA
		})
		return domain.ErrSecondFactorRequired
	case err != nil:
		s.fail(userID, gen, "вход по коду", err)
		return fmt.Errorf("вход по коду: %w", err)
	}
	return s.establish(ctx, userID, gen)
}

// SubmitSecondFactor завершает вход облачным паролем.
func (s *Service) SubmitSecondFactor(ctx context.Context, userID int64, password string) error {
	_, gen, err := s.begin(userID, domain.MTProtoAwaiting2FA)
	if err != nil {
		return err
	}
	if err := s.mtproto.CheckPassword(ctx, userID, password); err != nil {
		s.fail(userID, gen, "проверка облачного пароля", err)
		return fmt.Errorf("проверка облачного пароля: %w", err)
	}
	return s.establish(ctx, userID, gen)
}

// Cancel прерывает начатый вход и сразу удаляет промежуточные данные.
func (s *Service) Cancel(ctx context.Context, userID int64) error {
	s.mu.Lock()
	st := s.userLocked(userID)
	if !st.session.MTProto.Pending() {
		s.mu.Unlock()
		return ErrNothingToCancel
	}
	st.gen++
	st.busy = false
	st.session.MTProto = domain.MTProtoNone
	st.session.Pending = nil
	st.session.UpdatedAt = s.now()
	s.mu.Unlock()

	s.mtproto.Abort(userID)
	s.logger.Info().Int64("user", userID).Msg("auth: вход отменён")
	return nil
}

func (s *Service) userLocked(userID int64) *userState {
	st, ok := s.users[userID]
	if !ok {
		st = &userState{session: domain.UserSession{
			UserID:   userID,
			Password: domain.PasswordUnauthenticated,
			MTProto:  domain.MTProtoNone,
		}}
		s.users[userID] = st
	}
	return st
}

// begin проверяет шаг и помечает пользователя занятым на время сетевого вызова.
func (s *Service) begin(userID int64, expect domain.MTProtoState) (domain.PendingAuth, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.userLocked(userID)
	if st.session.MTProto != expect {
		return domain.PendingAuth{}, 0, ErrOutOfOrder
	}
	if st.busy {
		return domain.PendingAuth{}, 0, ErrAuthInProgress
	}
	st.busy = true
	var pending domain.PendingAuth
	if st.session.Pending != nil {
		pending = *st.session.Pending
	}
	return pending, st.gen, nil
}

func (s *Service) release(userID int64) {
	s.mu.Lock()
	s.userLocked(userID).busy = false
	s.mu.Unlock()
}

// finish применяет результат шага, если вход не отменили, пока шёл вызов.
func (s *Service) finish(userID int64, gen uint64, apply func(*domain.UserSession)) (domain.UserSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.userLocked(userID)
	if st.gen != gen {
		return st.session, false
	}
	st.busy = false
	if st.session.Pending == nil {
		st.session.Pending = &domain.PendingAuth{StartedAt: s.now()}
	}
	apply(&st.session)
	st.session.UpdatedAt = s.now()
	return st.session, true
}

func (s *Service) fail(userID int64, gen uint64, step string, err error) {
	if _, ok := s.finish(userID, gen, func(sess *domain.UserSession) {
		sess.MTProto = domain.MTProtoNone
		sess.Pending = nil
	}); !ok {
		return
	}
	s.mtproto.Abort(userID)
	s.logger.Warn().Err(err).Int64("user", userID).Str("step", step).Msg("auth: вход MTProto сброшен")
}

func (s *Service) establish(ctx context.Context, userID int64, gen uint64) error {
	sess, ok := s.finish(userID, gen, func(sess *domain.UserSession) {
		sess.MTProto = domain.MTProtoEstablished
		sess.Pending = nil
	})
	if !ok {
		return ErrNothingToCancel
	}
	s.logger.Info().Int64("user", userID).Msg("auth: MTProto-сессия установлена")
	if s.events != nil {
		uid := userID
		if err := s.events.RecordBusinessMetric(ctx, domain.BusinessMetric{
			Event:      domain.BusinessMetricEventMTProtoEstablished,
			UserID:     &uid,
			OccurredAt: s.now(),
		}); err != nil {
			s.logger.Error().Err(err).Str("event", domain.BusinessMetricEventMTProtoEstablished).Msg("auth: не удалось сохранить бизнес-метрику")
		}
	}
	return s.persist(ctx, sess)
}

// persist сохраняет только флаг пароля и признак установленной сессии.
func (s *Service) persist(ctx context.Context, sess domain.UserSession) error {
	if sess.MTProto != domain.MTProtoEstablished {
		sess.MTProto = domain.MTProtoNone
	}
	sess.Pending = nil
	if err := s.repo.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("сохранение сессии: %w", err)
	}
	return nil
}

func normalizePhone(input string) (string, bool) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(input) {
		switch {
		case r == '+' && i == 0:
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", false
		}
	}
	digits := b.String()
	if len(digits) < 7 || len(digits) > 15 {
		return "", false
	}
	return "+" + digits, true
}

func digitsOnly(input string) string {
	var b strings.Builder
	for _, r := range input {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

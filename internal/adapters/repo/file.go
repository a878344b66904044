package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/samber/lo"

	"tg-source-bot/internal/domain"
)

// FileStore хранит состояние в JSON-файлах, когда Postgres не настроен.
type FileStore struct {
	base string
	mu   sync.RWMutex
}

var (
	_ domain.ChannelRepo         = (*FileStore)(nil)
	_ domain.SessionRepo         = (*FileStore)(nil)
	_ domain.MTProtoSessionStore = (*FileStore)(nil)
	_ domain.BusinessMetricRepo  = (*FileStore)(nil)
)

// NewFileStore создаёт хранилище в каталоге base.
func NewFileStore(base string) (*FileStore, error) {
	for _, dir := range []string{"channels", "sessions", "mtproto"} {
		if err := os.MkdirAll(filepath.Join(base, dir), 0o700); err != nil {
			return nil, fmt.Errorf("создание каталога %s: %w", dir, err)
		}
	}
	return &FileStore{base: base}, nil
}

// LoadChannels читает все каналы в порядке добавления.
func (s *FileStore) LoadChannels(ctx context.Context) ([]domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, err := readAll[domain.Channel](filepath.Join(s.base, "channels"))
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	return list, nil
}

// SaveChannel записывает канал.
func (s *FileStore) SaveChannel(ctx context.Context, ch domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.channelPath(ch.ID), ch)
}

// DeleteChannel удаляет файл канала.
func (s *FileStore) DeleteChannel(ctx context.Context, channelID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.channelPath(channelID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("удаление канала: %w", err)
	}
	return nil
}

// LoadSessions читает состояния авторизации.
func (s *FileStore) LoadSessions(ctx context.Context) ([]domain.UserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readAll[domain.UserSession](filepath.Join(s.base, "sessions"))
}

// SaveSession записывает состояние авторизации пользователя.
func (s *FileStore) SaveSession(ctx context.Context, sess domain.UserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.base, "sessions", strconv.FormatInt(sess.UserID, 10)+".json")
	return writeJSON(path, sess)
}

// LoadMTProtoSession читает бинарную MTProto-сессию.
func (s *FileStore) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.mtprotoPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("чтение MTProto-сессии: %w", err)
	}
	return data, nil
}

// StoreMTProtoSession записывает MTProto-сессию.
func (s *FileStore) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFile(s.mtprotoPath(name), data)
}

// DeleteMTProtoSession удаляет MTProto-сессию.
func (s *FileStore) DeleteMTProtoSession(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.mtprotoPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("удаление MTProto-сессии: %w", err)
	}
	return nil
}

type metricLine struct {
	Event      string         `json:"event"`
	UserID     *int64         `json:"user_id,omitempty"`
	ChannelID  *int64         `json:"channel_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// RecordBusinessMetric дописывает событие в business_metrics.jsonl.
func (s *FileStore) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}
	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now().UTC()
	}
	line, err := json.Marshal(metricLine(metric))
	if err != nil {
		return fmt.Errorf("сериализация метрики: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.base, "business_metrics.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("открытие файла метрик: %w", err)
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

func (s *FileStore) channelPath(id int64) string {
	return filepath.Join(s.base, "channels", strconv.FormatInt(id, 10)+".json")
}

func (s *FileStore) mtprotoPath(name string) string {
	if name == "" {
		name = "default"
	}
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	return filepath.Join(s.base, "mtproto", safe+".session")
}

func readAll[T any](dir string) ([]T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("чтение каталога %s: %w", dir, err)
	}
	var firstErr error
	items := lo.FilterMap(entries, func(entry os.DirEntry, _ int) (T, bool) {
		var item T
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			return item, false
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err == nil {
			err = json.Unmarshal(data, &item)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("чтение %s: %w", entry.Name(), err)
			}
			return item, false
		}
		return item, true
	})
	return items, firstErr
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("сериализация %s: %w", filepath.Base(path), err)
	}
	return writeFile(path, data)
}

// writeFile пишет через временный файл, чтобы сбой не оставил файл обрезанным.
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("запись %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("замена %s: %w", filepath.Base(path), err)
	}
	return nil
}

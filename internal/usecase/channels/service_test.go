package channels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-source-bot/internal/domain"
)

type memoryChannelRepo struct {
	saved   map[int64]domain.Channel
	deleted []int64
	failing bool
}

func (r *memoryChannelRepo) LoadChannels(context.Context) ([]domain.Channel, error) {
	out := make([]domain.Channel, 0, len(r.saved))
	for _, ch := range r.saved {
		out = append(out, ch)
	}
	return out, nil
}

func (r *memoryChannelRepo) SaveChannel(_ context.Context, ch domain.Channel) error {
	if r.failing {
		return errors.New("диск переполнен")
	}
	if r.saved == nil {
		r.saved = make(map[int64]domain.Channel)
	}
	r.saved[ch.ID] = ch
	return nil
}

func (r *memoryChannelRepo) DeleteChannel(_ context.Context, id int64) error {
	delete(r.saved, id)
	r.deleted = append(r.deleted, id)
	return nil
}

type allowAll map[int64]bool

func (a allowAll) CanRegisterChannel(userID int64) bool { return a[userID] }

func TestParseChannelID(t *testing.T) {
	cases := map[string]int64{
		"-1001234567890":   -1001234567890,
		" -1009876543210 ": -1009876543210,
		"1001234567890":    0,
		"-1234567890":      0,
		"-100":             0,
		"-100abc":          0,
		"@channel":         0,
	}
	for input, expected := range cases {
		id, err := ParseChannelID(input)
		if expected == 0 {
			if !errors.Is(err, ErrInvalidChannelID) {
				t.Fatalf("ожидали ошибку для %q", input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("не ожидали ошибку для %q: %v", input, err)
		}
		if id != expected {
			t.Fatalf("ожидали %d, получили %d", expected, id)
		}
	}
}

func TestRegisterRejectsNonChannelIDs(t *testing.T) {
	repo := &memoryChannelRepo{}
	svc := NewService(repo, allowAll{1: true}, nil, zerolog.Nop())
	for _, id := range []int64{1001234567890, -1234567890, -100, 0} {
		if _, err := svc.Register(context.Background(), id, 1); !errors.Is(err, ErrInvalidChannelID) {
			t.Fatalf("id %d: ожидали ErrInvalidChannelID, получили %v", id, err)
		}
	}
	if len(repo.saved) != 0 {
		t.Fatalf("некорректные id не должны сохраняться: %v", repo.saved)
	}
}

func TestCrossOwnerMutationsRejected(t *testing.T) {
	repo := &memoryChannelRepo{}
	svc := NewService(repo, allowAll{1: true, 2: true}, nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := svc.Register(ctx, -1001, 1); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := svc.Unregister(ctx, -1001, 2); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("ожидали ErrPermissionDenied, получили %v", err)
	}
	if _, err := svc.SetStatus(ctx, -1001, 2, domain.ChannelPaused); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("ожидали ErrPermissionDenied, получили %v", err)
	}
	if _, err := svc.Register(ctx, -1001, 2); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("чужой канал нельзя перерегистрировать, получили %v", err)
	}
	ch, err := svc.Get(-1001)
	if err != nil || ch.OwnerID != 1 || ch.Status != domain.ChannelActive {
		t.Fatalf("канал не должен меняться: %+v %v", ch, err)
	}
	if len(repo.deleted) != 0 {
		t.Fatal("чужое удаление не должно доходить до хранилища")
	}
}

func TestRegisterIsIdempotentAndOrdered(t *testing.T) {
	repo := &memoryChannelRepo{}
	svc := NewService(repo, allowAll{1: true}, nil, zerolog.Nop())
	ctx := context.Background()

	for _, id := range []int64{-1003, -1001, -1002} {
		if _, err := svc.Register(ctx, id, 1); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	again, err := svc.Register(ctx, -1003, 1)
	if err != nil || again.Seq != 1 {
		t.Fatalf("повторная регистрация должна вернуть прежний канал: %+v %v", again, err)
	}
	list := svc.List(1)
	if len(list) != 3 || list[0].ID != -1003 || list[1].ID != -1001 || list[2].ID != -1002 {
		t.Fatalf("ожидали порядок добавления, получили %+v", list)
	}

	reloaded := NewService(repo, allowAll{1: true}, nil, zerolog.Nop())
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := reloaded.List(1); len(got) != 3 || got[0].ID != -1003 {
		t.Fatalf("порядок должен переживать перезапуск: %+v", got)
	}
	next, _ := reloaded.Register(ctx, -1004, 1)
	if next.Seq != 4 {
		t.Fatalf("ожидали seq 4, получили %d", next.Seq)
	}
}

func TestRegisterRequiresVerifiedPassword(t *testing.T) {
	svc := NewService(&memoryChannelRepo{}, allowAll{}, nil, zerolog.Nop())
	if _, err := svc.Register(context.Background(), -1001, 1); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("ожидали ErrNotVerified, получили %v", err)
	}
}

func TestPauseResumeAndUnregister(t *testing.T) {
	repo := &memoryChannelRepo{}
	svc := NewService(repo, allowAll{1: true}, nil, zerolog.Nop())
	ctx := context.Background()
	_, _ = svc.Register(ctx, -1001, 1)

	ch, err := svc.SetStatus(ctx, -1001, 1, domain.ChannelPaused)
	if err != nil || ch.Active() {
		t.Fatalf("ожидали паузу: %+v %v", ch, err)
	}
	if repo.saved[-1001].Status != domain.ChannelPaused {
		t.Fatal("статус должен сохраняться")
	}
	if _, err := svc.SetStatus(ctx, -1001, 1, domain.ChannelActive); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := svc.Unregister(ctx, -1001, 1); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, err := svc.Get(-1001); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("ожидали ErrChannelNotFound, получили %v", err)
	}
	if err := svc.Unregister(ctx, -1001, 1); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("ожидали ErrChannelNotFound, получили %v", err)
	}
}

func TestFailedWriteLeavesRegistryUnchanged(t *testing.T) {
	repo := &memoryChannelRepo{failing: true}
	svc := NewService(repo, allowAll{1: true}, nil, zerolog.Nop())
	if _, err := svc.Register(context.Background(), -1001, 1); err == nil {
		t.Fatal("ожидали ошибку записи")
	}
	if _, err := svc.Get(-1001); !errors.Is(err, ErrChannelNotFound) {
		t.Fatal("канал не должен появиться без записи")
	}
}

type blockingChannelRepo struct {
	memoryChannelRepo
	entered chan struct{}
	release chan struct{}
}

func (r *blockingChannelRepo) SaveChannel(ctx context.Context, ch domain.Channel) error {
	if ch.ID == -1002 {
		close(r.entered)
		<-r.release
	}
	return r.memoryChannelRepo.SaveChannel(ctx, ch)
}

func TestReadsDoNotWaitForRepo(t *testing.T) {
	repo := &blockingChannelRepo{entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(repo, allowAll{1: true}, nil, zerolog.Nop())
	ctx := context.Background()
	if _, err := svc.Register(ctx, -1001, 1); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.Register(ctx, -1002, 1)
		done <- err
	}()
	<-repo.entered

	got := make(chan error, 1)
	go func() {
		_, err := svc.Get(-1001)
		got <- err
	}()
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("чтение реестра ждёт записи в хранилище")
	}
	if _, err := svc.Get(-1002); !errors.Is(err, ErrChannelNotFound) {
		t.Fatal("канал не должен появиться до записи в хранилище")
	}

	close(repo.release)
	if err := <-done; err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if ch, err := svc.Get(-1002); err != nil || ch.Seq != 2 {
		t.Fatalf("ожидали канал с seq 2: %+v %v", ch, err)
	}
}

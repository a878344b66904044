package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// After сдвигает время сразу, чтобы Wait не спал в тестах.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func TestAcquireNeverExceedsBurstWithinWindow(t *testing.T) {
	clock := newFakeClock()
	l := New(clock, map[string]Bucket{"e621": {Burst: 3, Every: time.Second}})

	for i := 0; i < 3; i++ {
		if ok, _ := l.Acquire("e621"); !ok {
			t.Fatalf("ожидали разрешение %d", i+1)
		}
	}
	ok, wait := l.Acquire("e621")
	if ok {
		t.Fatal("четвёртое разрешение в том же окне недопустимо")
	}
	if wait != time.Second {
		t.Fatalf("ожидали ожидание 1s, получили %s", wait)
	}

	clock.Advance(500 * time.Millisecond)
	if ok, wait := l.Acquire("e621"); ok || wait != 500*time.Millisecond {
		t.Fatalf("ожидали отказ с ожиданием 500ms, получили %v/%s", ok, wait)
	}

	clock.Advance(500 * time.Millisecond)
	if ok, _ := l.Acquire("e621"); !ok {
		t.Fatal("после пополнения токен должен появиться")
	}
	if ok, _ := l.Acquire("e621"); ok {
		t.Fatal("пополнение идёт по одному токену в секунду")
	}
}

func TestRefillIsContinuous(t *testing.T) {
	clock := newFakeClock()
	l := New(clock, map[string]Bucket{"fa": {Burst: 2, Every: 2 * time.Second}})
	l.Acquire("fa")
	l.Acquire("fa")

	clock.Advance(time.Second)
	if got := l.Tokens("fa"); got < 0.49 || got > 0.51 {
		t.Fatalf("ожидали половину токена, получили %f", got)
	}
	clock.Advance(10 * time.Second)
	if got := l.Tokens("fa"); got != 2 {
		t.Fatalf("корзина не должна переполняться, получили %f", got)
	}
}

func TestProvidersAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := New(clock, map[string]Bucket{
		"twitter": {Burst: 1, Every: time.Minute},
		"bluesky": {Burst: 1, Every: time.Minute},
	})
	if ok, _ := l.Acquire("twitter"); !ok {
		t.Fatal("ожидали разрешение twitter")
	}
	if ok, _ := l.Acquire("twitter"); ok {
		t.Fatal("корзина twitter должна быть пуста")
	}
	if ok, _ := l.Acquire("bluesky"); !ok {
		t.Fatal("пустая корзина twitter не должна блокировать bluesky")
	}
	if ok, _ := l.Acquire("unknown"); !ok {
		t.Fatal("провайдер без корзины не ограничивается")
	}
}

func TestWaitSuspendsUntilGranted(t *testing.T) {
	clock := newFakeClock()
	l := New(clock, map[string]Bucket{"e621": {Burst: 1, Every: time.Second}})
	l.Acquire("e621")

	before := clock.Now()
	if err := l.Wait(context.Background(), "e621"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if elapsed := clock.Now().Sub(before); elapsed != time.Second {
		t.Fatalf("ожидали ожидание 1s, прошло %s", elapsed)
	}
}

func TestWaitGivesUpAfterDeadline(t *testing.T) {
	clock := newFakeClock()
	l := New(clock, map[string]Bucket{"e621": {Burst: 1, Every: time.Hour}})
	l.Acquire("e621")

	ctx, cancel := context.WithDeadline(context.Background(), clock.Now().Add(time.Second))
	defer cancel()
	if err := l.Wait(ctx, "e621"); !errors.Is(err, ErrDeadline) {
		t.Fatalf("ожидали ErrDeadline, получили %v", err)
	}
}

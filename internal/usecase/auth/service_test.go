package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"tg-source-bot/internal/domain"
)

type memorySessionRepo struct {
	mu    sync.Mutex
	saved map[int64]domain.UserSession
	load  []domain.UserSession
}

func (r *memorySessionRepo) LoadSessions(context.Context) ([]domain.UserSession, error) {
	return r.load, nil
}

func (r *memorySessionRepo) SaveSession(_ context.Context, s domain.UserSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved == nil {
		r.saved = make(map[int64]domain.UserSession)
	}
	r.saved[s.UserID] = s
	return nil
}

type stubAuthenticator struct {
	sendErr   error
	signInErr error
	pwdErr    error

	phones  []string
	codes   []string
	hashes  []string
	aborted []int64
}

func (a *stubAuthenticator) SendCode(_ context.Context, _ int64, phone string) (string, error) {
	a.phones = append(a.phones, phone)
	if a.sendErr != nil {
		return "", a.sendErr
	}
	return "hash-" + phone, nil
}

func (a *stubAuthenticator) SignIn(_ context.Context, _ int64, _, code, hash string) error {
	a.codes = append(a.codes, code)
	a.hashes = append(a.hashes, hash)
	return a.signInErr
}

func (a *stubAuthenticator) CheckPassword(context.Context, int64, string) error { return a.pwdErr }

func (a *stubAuthenticator) Abort(userID int64) { a.aborted = append(a.aborted, userID) }

func newTestService(password string) (*Service, *memorySessionRepo, *stubAuthenticator) {
	repo := &memorySessionRepo{}
	mt := &stubAuthenticator{}
	return NewService(repo, mt, nil, password, zerolog.Nop()), repo, mt
}

func TestWrongThenRightPassword(t *testing.T) {
	svc, repo, _ := newTestService("s3cret")
	ctx := context.Background()

	if err := svc.SubmitPassword(ctx, 1, "nope"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("ожидали ErrWrongPassword, получили %v", err)
	}
	if svc.CanRegisterChannel(1) {
		t.Fatal("неверный пароль не должен давать права")
	}
	if err := svc.SubmitPassword(ctx, 1, "s3cret"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !svc.CanRegisterChannel(1) {
		t.Fatal("после верного пароля пользователь должен быть подтверждён")
	}
	if repo.saved[1].Password != domain.PasswordVerified {
		t.Fatal("флаг пароля должен сохраняться")
	}
}

func TestEmptyConfiguredPasswordVerifiesNobody(t *testing.T) {
	svc, _, _ := newTestService("")
	if err := svc.SubmitPassword(context.Background(), 1, ""); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("ожидали ErrWrongPassword, получили %v", err)
	}
}

func TestStartAuthenticationRequiresPassword(t *testing.T) {
	svc, _, _ := newTestService("p")
	if err := svc.StartAuthentication(context.Background(), 5); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("ожидали ErrNotVerified, получили %v", err)
	}
}

func TestFullFlowWithSecondFactor(t *testing.T) {
	svc, repo, mt := newTestService("p")
	mt.signInErr = domain.ErrSecondFactorRequired
	ctx := context.Background()

	mustNoErr(t, svc.SubmitPassword(ctx, 1, "p"))
	mustNoErr(t, svc.StartAuthentication(ctx, 1))
	if err := svc.StartAuthentication(ctx, 1); !errors.Is(err, ErrAuthInProgress) {
		t.Fatalf("ожидали ErrAuthInProgress, получили %v", err)
	}
	if err := svc.SubmitCode(ctx, 1, "12345"); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("код до телефона: ожидали ErrOutOfOrder, получили %v", err)
	}
	mustNoErr(t, svc.SubmitPhone(ctx, 1, "+7 (999) 123-45-67"))
	if mt.phones[0] != "+79991234567" {
		t.Fatalf("номер не нормализован: %s", mt.phones[0])
	}
	if st := svc.State(1); st.MTProto != domain.MTProtoAwaitingCode || st.Pending.CodeHash != "hash-+79991234567" {
		t.Fatalf("неожиданное состояние %+v", st)
	}
	if err := svc.SubmitCode(ctx, 1, "1 2 3 4 5"); !errors.Is(err, domain.ErrSecondFactorRequired) {
		t.Fatalf("ожидали ErrSecondFactorRequired, получили %v", err)
	}
	if mt.codes[0] != "12345" || mt.hashes[0] != "hash-+79991234567" {
		t.Fatalf("в SignIn ушли %v %v", mt.codes, mt.hashes)
	}
	mustNoErr(t, svc.SubmitSecondFactor(ctx, 1, "cloud"))
	if !svc.CanRunLookup(1) {
		t.Fatal("сессия должна быть установлена")
	}
	if st := svc.State(1); st.Pending != nil {
		t.Fatal("промежуточные данные должны быть удалены")
	}
	if repo.saved[1].MTProto != domain.MTProtoEstablished {
		t.Fatal("признак установленной сессии должен сохраняться")
	}
	if err := svc.StartAuthentication(ctx, 1); !errors.Is(err, ErrAlreadyEstablished) {
		t.Fatalf("ожидали ErrAlreadyEstablished, получили %v", err)
	}
}

func TestCancelFromAwaitingCodeThenFreshStart(t *testing.T) {
	svc, _, mt := newTestService("p")
	ctx := context.Background()
	mustNoErr(t, svc.SubmitPassword(ctx, 1, "p"))
	mustNoErr(t, svc.StartAuthentication(ctx, 1))
	mustNoErr(t, svc.SubmitPhone(ctx, 1, "+15550001111"))

	mustNoErr(t, svc.Cancel(ctx, 1))
	st := svc.State(1)
	if st.MTProto != domain.MTProtoNone || st.Pending != nil {
		t.Fatalf("после отмены ожидали none без данных, получили %+v", st)
	}
	if len(mt.aborted) != 1 {
		t.Fatal("клиент должен быть закрыт при отмене")
	}
	if err := svc.Cancel(ctx, 1); !errors.Is(err, ErrNothingToCancel) {
		t.Fatalf("ожидали ErrNothingToCancel, получили %v", err)
	}

	mustNoErr(t, svc.StartAuthentication(ctx, 1))
	st = svc.State(1)
	if st.MTProto != domain.MTProtoAwaitingPhone {
		t.Fatalf("ожидали awaiting_phone, получили %s", st.MTProto)
	}
	if st.Pending == nil || st.Pending.Phone != "" || st.Pending.CodeHash != "" {
		t.Fatalf("новая попытка не должна видеть старые данные: %+v", st.Pending)
	}
}

func TestCollaboratorFailureResetsTrack(t *testing.T) {
	svc, _, mt := newTestService("p")
	mt.sendErr = errors.New("PHONE_NUMBER_INVALID")
	ctx := context.Background()
	mustNoErr(t, svc.SubmitPassword(ctx, 1, "p"))
	mustNoErr(t, svc.StartAuthentication(ctx, 1))

	if err := svc.SubmitPhone(ctx, 1, "+15550001111"); err == nil {
		t.Fatal("ожидали ошибку отправки кода")
	}
	if st := svc.State(1); st.MTProto != domain.MTProtoNone || st.Pending != nil {
		t.Fatalf("ожидали сброс в none, получили %+v", st)
	}
	if !svc.CanRegisterChannel(1) {
		t.Fatal("сбой MTProto не должен трогать пароль")
	}
}

func TestInvalidPhoneKeepsStep(t *testing.T) {
	svc, _, mt := newTestService("p")
	ctx := context.Background()
	mustNoErr(t, svc.SubmitPassword(ctx, 1, "p"))
	mustNoErr(t, svc.StartAuthentication(ctx, 1))

	if err := svc.SubmitPhone(ctx, 1, "call me"); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("ожидали ErrInvalidPhone, получили %v", err)
	}
	if len(mt.phones) != 0 {
		t.Fatal("некорректный номер не должен уходить в Telegram")
	}
	mustNoErr(t, svc.SubmitPhone(ctx, 1, "+15550001111"))
}

func TestLoadDropsPendingStates(t *testing.T) {
	svc, repo, _ := newTestService("p")
	repo.load = []domain.UserSession{
		{UserID: 1, Password: domain.PasswordVerified, MTProto: domain.MTProtoAwaitingCode},
		{UserID: 2, Password: domain.PasswordVerified, MTProto: domain.MTProtoEstablished},
	}
	mustNoErr(t, svc.Load(context.Background()))

	if st := svc.State(1); st.MTProto != domain.MTProtoNone || !st.Verified() {
		t.Fatalf("пользователь 1: %+v", st)
	}
	if !svc.CanRunLookup(2) {
		t.Fatal("установленная сессия должна восстанавливаться")
	}
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
}

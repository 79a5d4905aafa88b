package vault

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"log/slog"
	"testing"

	"keyfold/go-vault/internal/store"
	"keyfold/go-vault/internal/vault/payload"
)

func newTestEngine(t *testing.T) (*Engine, *stubProvider, store.Store) {
	t.Helper()
	p := &stubProvider{}
	s := store.NewMemory()
	e := New(p, s, WithLogger(slog.New(slog.DiscardHandler)))
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return e, p, s
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	res, err := e.Register(ctx, "pw1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res.ID == "" {
		t.Fatal("empty id")
	}
	if !IsRecoveryCode(res.RecoveryCode) {
		t.Fatalf("malformed recovery code %q", res.RecoveryCode)
	}
	if res.Mnemonic == "" {
		t.Fatal("missing mnemonic")
	}
	if !e.IsAuthenticated() {
		t.Fatal("not authenticated after register")
	}

	if err := e.SaveSecret(ctx, "api", "s3cr3t"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if e.IsAuthenticated() {
		t.Fatal("authenticated after lock")
	}
	if got := e.State(); got != StateLocked {
		t.Fatalf("state after lock = %v", got)
	}

	login, err := e.Login(ctx, "", "pw1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if login.ID != res.ID {
		t.Fatalf("login id = %s, want %s", login.ID, res.ID)
	}
	if len(login.PublicKey) != ed25519.PublicKeySize {
		t.Fatalf("public key length %d", len(login.PublicKey))
	}
	v, ok, err := e.GetSecret("api")
	if err != nil || !ok || v != "s3cr3t" {
		t.Fatalf("get secret = %q, %v, %v", v, ok, err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	if _, err := e.Register(ctx, "pw1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if _, err := e.Login(ctx, "", "wrong"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("want ErrAuthenticationFailed, got %v", err)
	}
	if got := e.State(); got != StateLocked {
		t.Fatalf("failed login moved state to %v", got)
	}
	if _, err := e.Login(ctx, "", "pw1"); err != nil {
		t.Fatalf("correct password after failure: %v", err)
	}
}

func TestLoginUnknownIdentity(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	if _, err := e.Login(ctx, "", "pw"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("empty store: want ErrAuthenticationFailed, got %v", err)
	}
	if _, err := e.Register(ctx, "pw"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.Login(ctx, "kf1nosuchid", "pw"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("unknown id: want ErrAuthenticationFailed, got %v", err)
	}
}

func TestTamperedEnvelope(t *testing.T) {
	ctx := context.Background()
	e, _, s := newTestEngine(t)
	res, err := e.Register(ctx, "pw1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}

	env, err := s.Get(ctx, res.ID)
	if err != nil || env == nil {
		t.Fatalf("get envelope: %v", err)
	}
	blob, err := base64.StdEncoding.DecodeString(env.MainCT)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	blob[len(blob)/2] ^= 0xff
	env.MainCT = base64.StdEncoding.EncodeToString(blob)
	if err := s.Put(ctx, res.ID, env); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Tampering is indistinguishable from a wrong password.
	if _, err := e.Login(ctx, "", "pw1"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("want ErrAuthenticationFailed, got %v", err)
	}
}

func TestPayloadIDMismatch(t *testing.T) {
	ctx := context.Background()
	e, _, s := newTestEngine(t)
	res, err := e.Register(ctx, "pw1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Re-home the envelope under a different identifier; the inner payload
	// still carries the original id.
	env, _ := s.Get(ctx, res.ID)
	env.ID = "kf1impostor"
	if err := s.Put(ctx, "kf1impostor", env); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := e.Login(ctx, "kf1impostor", "pw1"); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("want ErrIntegrity, got %v", err)
	}
}

func TestRecoverWithoutRotation(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	res, err := e.Register(ctx, "pw1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}

	rec, err := e.Recover(ctx, "", res.RecoveryCode, "pw2", false)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rec.ID != res.ID {
		t.Fatalf("recover id = %s, want %s", rec.ID, res.ID)
	}
	if rec.NewRecoveryCode != "" {
		t.Fatalf("unexpected rotation: %q", rec.NewRecoveryCode)
	}
	if e.IsAuthenticated() {
		t.Fatal("recover must not establish a session")
	}

	if _, err := e.Login(ctx, "", "pw1"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("old password after recover: want ErrAuthenticationFailed, got %v", err)
	}
	if _, err := e.Login(ctx, "", "pw2"); err != nil {
		t.Fatalf("new password after recover: %v", err)
	}

	// Without rotation the original code still opens the envelope.
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := e.Recover(ctx, "", res.RecoveryCode, "pw3", false); err != nil {
		t.Fatalf("second recover with same code: %v", err)
	}
}

func TestRecoverWithRotation(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	res, err := e.Register(ctx, "pw1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}

	rec, err := e.Recover(ctx, "", res.RecoveryCode, "pw2", true)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !IsRecoveryCode(rec.NewRecoveryCode) {
		t.Fatalf("malformed rotated code %q", rec.NewRecoveryCode)
	}
	if rec.NewRecoveryCode == res.RecoveryCode {
		t.Fatal("rotation returned the same code")
	}

	if _, err := e.Recover(ctx, "", res.RecoveryCode, "pw3", false); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("old code after rotation: want ErrAuthenticationFailed, got %v", err)
	}
	if _, err := e.Recover(ctx, "", rec.NewRecoveryCode, "pw3", false); err != nil {
		t.Fatalf("rotated code: %v", err)
	}
	if _, err := e.Login(ctx, "", "pw3"); err != nil {
		t.Fatalf("login after second recover: %v", err)
	}
}

func TestRecoverDropsLateSecrets(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	res, err := e.Register(ctx, "pw1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.SaveSecret(ctx, "late", "added after registration"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if _, err := e.Recover(ctx, "", res.RecoveryCode, "pw2", false); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if _, err := e.Login(ctx, "", "pw2"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, ok, _ := e.GetSecret("late"); ok {
		t.Fatal("post-registration secret survived recovery")
	}
}

func TestRecoverUnavailable(t *testing.T) {
	ctx := context.Background()
	e, _, s := newTestEngine(t)
	res, err := e.Register(ctx, "pw1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}

	env, _ := s.Get(ctx, res.ID)
	env.RecoveryCT = ""
	if err := s.Put(ctx, res.ID, env); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := e.Recover(ctx, "", res.RecoveryCode, "pw2", false); !errors.Is(err, ErrRecoveryUnavailable) {
		t.Fatalf("want ErrRecoveryUnavailable, got %v", err)
	}
}

func TestRecoverWrongCode(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	if _, err := e.Register(ctx, "pw1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	wrong := "RK-00000000-11111111-22222222-33333333"
	if _, err := e.Recover(ctx, "", wrong, "pw2", false); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("want ErrAuthenticationFailed, got %v", err)
	}
}

func TestSecretLifecycle(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	if _, err := e.Register(ctx, "pw"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := e.SaveSecret(ctx, "a", "1"); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := e.SaveSecret(ctx, "b", "2"); err != nil {
		t.Fatalf("save b: %v", err)
	}
	if err := e.SaveSecret(ctx, "a", "3"); err != nil {
		t.Fatalf("overwrite a: %v", err)
	}

	keys, err := e.ListSecretKeys()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("key count = %d, want 2", len(keys))
	}
	if v, _, _ := e.GetSecret("a"); v != "3" {
		t.Fatalf("a = %q, want 3", v)
	}

	if err := e.DeleteSecret(ctx, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := e.GetSecret("b"); ok {
		t.Fatal("b survived delete")
	}
	if err := e.DeleteSecret(ctx, "absent"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}

	// Mutations must survive a lock/login cycle.
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := e.Login(ctx, "", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if v, _, _ := e.GetSecret("a"); v != "3" {
		t.Fatalf("a after relogin = %q, want 3", v)
	}
}

func TestOperationsRequireSession(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	if err := e.SaveSecret(ctx, "k", "v"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("save: want ErrNotAuthenticated, got %v", err)
	}
	if _, _, err := e.GetSecret("k"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("get: want ErrNotAuthenticated, got %v", err)
	}
	if _, err := e.Sign([]byte("msg")); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("sign: want ErrNotAuthenticated, got %v", err)
	}
	if _, err := e.GetID(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("get id: want ErrNotAuthenticated, got %v", err)
	}
}

func TestSignVerifies(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	if _, err := e.Register(ctx, "pw"); err != nil {
		t.Fatalf("register: %v", err)
	}
	msg := []byte("payload to sign")
	sig, err := e.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	pub, err := e.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		t.Fatal("signature does not verify")
	}
}

func TestSignatureStableAcrossLogin(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	if _, err := e.Register(ctx, "pw"); err != nil {
		t.Fatalf("register: %v", err)
	}
	pub1, _ := e.PublicKey()
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	login, err := e.Login(ctx, "", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if string(login.PublicKey) != string(pub1) {
		t.Fatal("public key changed across login")
	}
}

func TestDisposeIsTerminal(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestEngine(t)
	if _, err := e.Register(ctx, "pw"); err != nil {
		t.Fatalf("register: %v", err)
	}
	e.Dispose()
	if got := e.State(); got != StateDisposed {
		t.Fatalf("state = %v", got)
	}
	if _, err := e.Login(ctx, "", "pw"); !errors.Is(err, ErrDisposed) {
		t.Fatalf("login: want ErrDisposed, got %v", err)
	}
	if _, err := e.Register(ctx, "pw"); !errors.Is(err, ErrDisposed) {
		t.Fatalf("register: want ErrDisposed, got %v", err)
	}
	if err := e.Init(ctx); !errors.Is(err, ErrDisposed) {
		t.Fatalf("init: want ErrDisposed, got %v", err)
	}
	if err := e.ChangePassword(ctx, "pw", "pw2"); !errors.Is(err, ErrDisposed) {
		t.Fatalf("change password: want ErrDisposed, got %v", err)
	}
	e.Dispose()
	if p.drops != p.handles {
		t.Fatalf("leaked handles: created %d, dropped %d", p.handles, p.drops)
	}
}

func TestUninitializedEngine(t *testing.T) {
	ctx := context.Background()
	e := New(&stubProvider{}, store.NewMemory(), WithLogger(slog.New(slog.DiscardHandler)))
	if _, err := e.Register(ctx, "pw"); !errors.Is(err, ErrInitialization) {
		t.Fatalf("want ErrInitialization, got %v", err)
	}
}

func TestInitStateDependsOnStore(t *testing.T) {
	ctx := context.Background()
	p := &stubProvider{}
	s := store.NewMemory()
	e := New(p, s, WithLogger(slog.New(slog.DiscardHandler)))
	if err := e.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got := e.State(); got != StateReady {
		t.Fatalf("empty store: state = %v, want ready", got)
	}
	if _, err := e.Register(ctx, "pw"); err != nil {
		t.Fatalf("register: %v", err)
	}

	e2 := New(&stubProvider{}, s, WithLogger(slog.New(slog.DiscardHandler)))
	if err := e2.Init(ctx); err != nil {
		t.Fatalf("init second engine: %v", err)
	}
	if got := e2.State(); got != StateLocked {
		t.Fatalf("populated store: state = %v, want locked", got)
	}
}

func TestLockEmptyStoreReturnsReady(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if got := e.State(); got != StateReady {
		t.Fatalf("state = %v, want ready", got)
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	res, err := e.Register(ctx, "pw1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.SaveSecret(ctx, "k", "v"); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := e.ChangePassword(ctx, "wrong", "pw2"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("wrong old password: want ErrAuthenticationFailed, got %v", err)
	}
	if err := e.ChangePassword(ctx, "pw1", "pw2"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if !e.IsAuthenticated() {
		t.Fatal("session lost after password change")
	}

	// The session keeps working under the new password.
	if err := e.SaveSecret(ctx, "k2", "v2"); err != nil {
		t.Fatalf("save after change: %v", err)
	}
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := e.Login(ctx, "", "pw1"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("old password: want ErrAuthenticationFailed, got %v", err)
	}
	if _, err := e.Login(ctx, "", "pw2"); err != nil {
		t.Fatalf("new password: %v", err)
	}
	if v, _, _ := e.GetSecret("k"); v != "v" {
		t.Fatalf("k = %q, want v", v)
	}

	// The untouched recovery code still opens the envelope.
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := e.Recover(ctx, "", res.RecoveryCode, "pw3", false); err != nil {
		t.Fatalf("recover after password change: %v", err)
	}
}

func TestVerifyPassword(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	if _, err := e.Register(ctx, "pw1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	ok, err := e.VerifyPassword(ctx, "pw1")
	if err != nil || !ok {
		t.Fatalf("correct password: %v %v", ok, err)
	}
	ok, err = e.VerifyPassword(ctx, "nope")
	if err != nil || ok {
		t.Fatalf("wrong password: %v %v", ok, err)
	}
}

func TestImportIdentity(t *testing.T) {
	ctx := context.Background()
	e, _, s := newTestEngine(t)
	res, err := e.Register(ctx, "pw1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	mnemonic := res.Mnemonic
	if err := e.WipeAll(ctx); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	if ids, _ := s.ListIDs(ctx); len(ids) != 0 {
		t.Fatalf("store not empty after wipe: %v", ids)
	}

	imp, err := e.ImportIdentity(ctx, mnemonic, "pw2")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imp.ID != res.ID {
		t.Fatalf("imported id %s, want %s", imp.ID, res.ID)
	}
	if imp.Mnemonic != "" {
		t.Fatal("import echoed the mnemonic back")
	}
	if !IsRecoveryCode(imp.RecoveryCode) {
		t.Fatalf("malformed recovery code %q", imp.RecoveryCode)
	}
}

func TestImportRejectsBadMnemonic(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	if _, err := e.ImportIdentity(ctx, "not a valid phrase", "pw"); !errors.Is(err, ErrCrypto) {
		t.Fatalf("want ErrCrypto, got %v", err)
	}
}

func TestRegisterDuplicateIdentity(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	res, err := e.Register(ctx, "pw1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.ImportIdentity(ctx, res.Mnemonic, "pw2"); !errors.Is(err, ErrStorage) {
		t.Fatalf("want ErrStorage, got %v", err)
	}
}

func TestListStoredIDs(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	ids, err := e.ListStoredIDs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("ids = %v", ids)
	}
	res, err := e.Register(ctx, "pw")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ids, err = e.ListStoredIDs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != res.ID {
		t.Fatalf("ids = %v, want [%s]", ids, res.ID)
	}
}

func TestCorruptEnvelopePlaintext(t *testing.T) {
	ctx := context.Background()
	e, p, s := newTestEngine(t)
	res, err := e.Register(ctx, "pw1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// A well-sealed envelope whose plaintext is not a payload document.
	garbage, err := p.AEADSeal([]byte("not json"), []byte("pw1"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	env, _ := s.Get(ctx, res.ID)
	env.MainCT = base64.StdEncoding.EncodeToString(garbage)
	if err := s.Put(ctx, res.ID, env); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := e.Login(ctx, "", "pw1"); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("want ErrCorruptData, got %v", err)
	}
}

func TestSaveSecretStoreFailure(t *testing.T) {
	ctx := context.Background()
	p := &stubProvider{}
	fs := &failingStore{Store: store.NewMemory()}
	e := New(p, fs, WithLogger(slog.New(slog.DiscardHandler)))
	if err := e.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := e.Register(ctx, "pw"); err != nil {
		t.Fatalf("register: %v", err)
	}

	fs.failPut = true
	if err := e.SaveSecret(ctx, "k", "v"); !errors.Is(err, ErrStorage) {
		t.Fatalf("want ErrStorage, got %v", err)
	}
	// Reference policy: the cache runs ahead of storage on failure.
	if v, ok, _ := e.GetSecret("k"); !ok || v != "v" {
		t.Fatalf("cache = %q, %v", v, ok)
	}
}

type failingStore struct {
	store.Store
	failPut bool
}

func (f *failingStore) Put(ctx context.Context, id string, env *payload.Envelope) error {
	if f.failPut {
		return errors.New("disk full")
	}
	return f.Store.Put(ctx, id, env)
}

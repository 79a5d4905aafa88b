package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"keyfold/go-vault/internal/cryptoprov"
	"keyfold/go-vault/internal/observability"
	"keyfold/go-vault/internal/store"
	"keyfold/go-vault/internal/vault/payload"
)

// Engine is the single entry point for vault operations. One mutex serializes
// every operation, so at most one session exists at a time and state
// transitions are atomic.
//
// Recovery restores the identity but not post-registration secrets: the
// recovery ciphertext is a frozen snapshot from registration, so secrets
// saved after that point are lost when the password is reset through the
// recovery code.
type Engine struct {
	mu sync.Mutex

	crypto  cryptoprov.Provider
	store   store.Store
	log     *slog.Logger
	metrics *observability.VaultMetrics
	now     func() time.Time

	state   State
	session sessionState
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m *observability.VaultMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(p cryptoprov.Provider, s store.Store, opts ...Option) *Engine {
	e := &Engine{
		crypto: p,
		store:  s,
		log:    slog.Default(),
		now:    time.Now,
		state:  StateUninitialized,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterResult is returned exactly once per registration. The recovery code
// and mnemonic are never persisted; losing both leaves only the password.
type RegisterResult struct {
	ID           string
	RecoveryCode string
	Mnemonic     string
}

// LoginResult identifies the unlocked identity.
type LoginResult struct {
	ID        string
	PublicKey []byte
}

// RecoverResult reports the recovered identity. NewRecoveryCode is empty
// unless rotation was requested.
type RecoverResult struct {
	ID              string
	NewRecoveryCode string
}

// Init prepares the engine. Calling it again is a no-op; a disposed engine
// stays disposed.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateDisposed:
		return ErrDisposed
	case StateUninitialized:
	default:
		return nil
	}

	if err := e.crypto.Init(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	ids, err := e.store.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("%w: list identities: %v", ErrStorage, err)
	}
	if len(ids) > 0 {
		e.state = StateLocked
	} else {
		e.state = StateReady
	}
	e.log.Info("vault initialized", "state", e.state.String(), "identities", len(ids))
	return nil
}

// Register creates a new identity protected by password, persists its
// envelope and establishes a session for it. The returned recovery code and
// mnemonic are the only copies that will ever exist.
func (e *Engine) Register(ctx context.Context, password string) (*RegisterResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOperational(); err != nil {
		return nil, err
	}

	seed, err := e.crypto.Random(cryptoprov.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: seed: %v", ErrCrypto, err)
	}
	defer memguard.WipeBytes(seed)

	mnemonic, err := cryptoprov.MnemonicFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: mnemonic: %v", ErrCrypto, err)
	}
	res, err := e.registerFromSeed(ctx, seed, []byte(password))
	if err != nil {
		return nil, err
	}
	res.Mnemonic = mnemonic
	return res, nil
}

// ImportIdentity rebuilds an identity from its backup phrase and registers it
// under a new password. Secrets stored under the original envelope are not
// recovered; only the signing identity survives the round trip.
func (e *Engine) ImportIdentity(ctx context.Context, mnemonic, password string) (*RegisterResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOperational(); err != nil {
		return nil, err
	}

	seed, err := cryptoprov.SeedFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer memguard.WipeBytes(seed)

	return e.registerFromSeed(ctx, seed, []byte(password))
}

// registerFromSeed does the shared registration work. Caller holds e.mu and
// owns seed; password bytes are handed to the session on success.
func (e *Engine) registerFromSeed(ctx context.Context, seed, password []byte) (*RegisterResult, error) {
	handle, err := e.crypto.NewIdentityFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: new identity: %v", ErrCrypto, err)
	}
	ok := false
	defer func() {
		if !ok {
			e.crypto.Drop(handle)
		}
	}()

	id, err := e.crypto.IdentityID(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: identity id: %v", ErrCrypto, err)
	}
	if existing, err := e.store.Get(ctx, id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	} else if existing != nil {
		return nil, fmt.Errorf("%w: identity %s already registered", ErrStorage, id)
	}

	salt, err := e.crypto.Random(cryptoprov.SaltSize)
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrCrypto, err)
	}
	sessionKey, err := e.crypto.DeriveKey(password, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrCrypto, err)
	}
	defer func() {
		if !ok {
			memguard.WipeBytes(sessionKey)
		}
	}()

	now := e.now()
	mainPlain, err := e.sealedPayload(handle, id, salt, sessionKey, nil, now.UnixMilli(), 0)
	if err != nil {
		return nil, err
	}
	mainCT, err := e.crypto.AEADSeal(mainPlain, password)
	if err != nil {
		return nil, fmt.Errorf("%w: seal: %v", ErrCrypto, err)
	}

	recoveryCode, err := newRecoveryCode(e.crypto)
	if err != nil {
		return nil, err
	}
	recoveryCT, err := e.sealRecovery(handle, id, salt, nil, now.UnixMilli(), recoveryCode)
	if err != nil {
		return nil, err
	}

	env := payload.MakeEnvelope(id, salt, mainCT, recoveryCT, now)
	if err := e.store.Put(ctx, id, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	e.session.establish(newKeyring(e.crypto, handle), sessionKey, id, password, nil)
	e.state = StateUnlocked
	ok = true

	e.metrics.Registration()
	e.metrics.SessionUnlocked(true)
	e.log.Info("identity registered", "id", id)
	return &RegisterResult{ID: id, RecoveryCode: recoveryCode}, nil
}

// sealedPayload serializes an internal payload whose wrapped key is exported
// under sessionKey. createdAt is preserved across re-seals; modifiedAt is
// zero at registration.
func (e *Engine) sealedPayload(h cryptoprov.Handle, id string, salt, sessionKey []byte, secrets map[string]string, createdAt, modifiedAt int64) ([]byte, error) {
	wrapped, err := e.crypto.ExportWrapped(h, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap identity: %v", ErrCrypto, err)
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	internal := &payload.Internal{
		ID:         id,
		Wrapped:    payload.EncodeField(wrapped),
		Salt:       payload.EncodeField(salt),
		Secrets:    secrets,
		CreatedAt:  createdAt,
		ModifiedAt: modifiedAt,
	}
	plain, err := payload.Serialize(internal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	return plain, nil
}

// sealRecovery builds the recovery ciphertext. Its payload mirrors the main
// payload except that the wrapped key is exported under a session key derived
// from the recovery code, so the code alone can restore the identity.
func (e *Engine) sealRecovery(h cryptoprov.Handle, id string, salt []byte, secrets map[string]string, createdAt int64, code string) ([]byte, error) {
	codeKey, err := e.crypto.DeriveKey([]byte(code), salt)
	if err != nil {
		return nil, fmt.Errorf("%w: derive recovery key: %v", ErrCrypto, err)
	}
	defer memguard.WipeBytes(codeKey)

	plain, err := e.sealedPayload(h, id, salt, codeKey, secrets, createdAt, 0)
	if err != nil {
		return nil, err
	}
	ct, err := e.crypto.AEADSeal(plain, []byte(code))
	if err != nil {
		return nil, fmt.Errorf("%w: seal recovery: %v", ErrCrypto, err)
	}
	return ct, nil
}

// Login opens the envelope for id (or the first stored identity when id is
// empty) with password and establishes a session. A failed attempt leaves the
// engine state untouched.
func (e *Engine) Login(ctx context.Context, id, password string) (*LoginResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOperational(); err != nil {
		return nil, err
	}

	env, err := e.loadEnvelope(ctx, id)
	if err != nil {
		return nil, err
	}

	pw := []byte(password)
	internal, err := e.openPayload(env, env.MainCT, pw)
	if err != nil {
		memguard.WipeBytes(pw)
		e.metrics.UnlockFailure()
		e.log.Warn("login failed", "id", env.ID)
		return nil, err
	}
	if err := e.establishSession(env.ID, internal, pw); err != nil {
		memguard.WipeBytes(pw)
		e.metrics.UnlockFailure()
		return nil, err
	}

	kr, _ := e.session.getKeyring()
	pub, err := kr.PublicKey()
	if err != nil {
		return nil, err
	}
	e.metrics.UnlockSuccess()
	e.log.Info("session established", "id", env.ID)
	return &LoginResult{ID: env.ID, PublicKey: pub}, nil
}

// Recover opens the envelope with a recovery code and resets the password.
// With rotate the recovery code is replaced and the new one returned. The
// engine does not establish a session; callers log in with the new password.
func (e *Engine) Recover(ctx context.Context, id, recoveryCode, newPassword string, rotate bool) (*RecoverResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOperational(); err != nil {
		return nil, err
	}

	env, err := e.loadEnvelope(ctx, id)
	if err != nil {
		return nil, err
	}
	if !env.HasRecovery() {
		return nil, ErrRecoveryUnavailable
	}

	internal, err := e.openPayload(env, env.RecoveryCT, []byte(recoveryCode))
	if err != nil {
		e.metrics.UnlockFailure()
		return nil, err
	}

	snapSalt, err := payload.DecodeField(internal.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	codeKey, err := e.crypto.DeriveKey([]byte(recoveryCode), snapSalt)
	if err != nil {
		return nil, fmt.Errorf("%w: derive recovery key: %v", ErrCrypto, err)
	}
	handle, err := e.restoreHandle(internal, codeKey)
	memguard.WipeBytes(codeKey)
	if err != nil {
		return nil, err
	}
	defer e.crypto.Drop(handle)

	salt, err := e.crypto.Random(cryptoprov.SaltSize)
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrCrypto, err)
	}
	newKey, err := e.crypto.DeriveKey([]byte(newPassword), salt)
	if err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrCrypto, err)
	}
	defer memguard.WipeBytes(newKey)

	now := e.now()
	mainPlain, err := e.sealedPayload(handle, env.ID, salt, newKey, internal.Secrets, internal.CreatedAt, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	mainCT, err := e.crypto.AEADSeal(mainPlain, []byte(newPassword))
	if err != nil {
		return nil, fmt.Errorf("%w: seal: %v", ErrCrypto, err)
	}

	next := env.Clone()
	next.Salt = payload.EncodeField(salt)
	next.MainCT = payload.EncodeField(mainCT)
	next.UpdatedAt = now.UnixMilli()

	var nextCode string
	if rotate {
		nextCode, err = newRecoveryCode(e.crypto)
		if err != nil {
			return nil, err
		}
		recoveryCT, err := e.sealRecovery(handle, env.ID, salt, internal.Secrets, internal.CreatedAt, nextCode)
		if err != nil {
			return nil, err
		}
		next.RecoveryCT = payload.EncodeField(recoveryCT)
	}

	if err := e.store.Put(ctx, env.ID, next); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	// The prior session, if any, is keyed to the replaced password.
	e.dropSession()
	e.state = StateLocked
	e.metrics.Recovery()
	e.log.Info("identity recovered", "id", env.ID, "rotated", rotate)
	return &RecoverResult{ID: env.ID, NewRecoveryCode: nextCode}, nil
}

// ChangePassword re-encrypts the current identity's envelope under a new
// password, using the live session handle to re-wrap the private key. The
// session survives with a freshly derived key. The recovery ciphertext is
// untouched, so the existing recovery code keeps working.
func (e *Engine) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOperational(); err != nil {
		return err
	}
	id, err := e.session.getID()
	if err != nil {
		return err
	}
	kr, err := e.session.getKeyring()
	if err != nil {
		return err
	}

	env, err := e.loadEnvelope(ctx, id)
	if err != nil {
		return err
	}
	internal, err := e.openPayload(env, env.MainCT, []byte(oldPassword))
	if err != nil {
		e.metrics.UnlockFailure()
		return err
	}

	salt, err := payload.DecodeField(internal.Salt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	pw := []byte(newPassword)
	newKey, err := e.crypto.DeriveKey(pw, salt)
	if err != nil {
		return fmt.Errorf("%w: derive key: %v", ErrCrypto, err)
	}

	wrapped, err := kr.ExportWrapped(newKey)
	if err != nil {
		memguard.WipeBytes(newKey)
		return err
	}

	now := e.now()
	internal.Wrapped = payload.EncodeField(wrapped)
	internal.Salt = payload.EncodeField(salt)
	internal.ModifiedAt = now.UnixMilli()
	plain, err := payload.Serialize(internal)
	if err != nil {
		memguard.WipeBytes(newKey)
		return fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	mainCT, err := e.crypto.AEADSeal(plain, pw)
	if err != nil {
		memguard.WipeBytes(newKey)
		return fmt.Errorf("%w: seal: %v", ErrCrypto, err)
	}

	next := env.Clone()
	next.Salt = payload.EncodeField(salt)
	next.MainCT = payload.EncodeField(mainCT)
	next.UpdatedAt = now.UnixMilli()
	if err := e.store.Put(ctx, id, next); err != nil {
		memguard.WipeBytes(newKey)
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	e.session.rekey(newKey, pw)
	e.log.Info("password changed", "id", id)
	return nil
}

// VerifyPassword reports whether password opens the current identity's
// envelope. It never mutates session or storage state.
func (e *Engine) VerifyPassword(ctx context.Context, password string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, err := e.session.getID()
	if err != nil {
		return false, err
	}
	env, err := e.loadEnvelope(ctx, id)
	if err != nil {
		return false, err
	}
	blob, err := payload.DecodeField(env.MainCT)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	if _, err := e.crypto.AEADOpen(blob, []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

// SaveSecret stores value under key for the unlocked identity. The in-memory
// cache is updated first; a storage failure leaves the cache ahead of the
// envelope until the caller re-logs-in.
func (e *Engine) SaveSecret(ctx context.Context, key, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.session.setSecret(key, value); err != nil {
		return err
	}
	if err := e.persistSecrets(ctx); err != nil {
		return err
	}
	e.metrics.SecretWrite()
	return nil
}

// DeleteSecret removes key for the unlocked identity. Deleting an absent key
// still rewrites the envelope.
func (e *Engine) DeleteSecret(ctx context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.session.deleteSecret(key); err != nil {
		return err
	}
	if err := e.persistSecrets(ctx); err != nil {
		return err
	}
	e.metrics.SecretWrite()
	return nil
}

// GetSecret returns the cached value for key. The second result reports
// whether the key exists.
func (e *Engine) GetSecret(key string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.getSecret(key)
}

// ListSecretKeys returns the keys of all cached secrets in no particular
// order.
func (e *Engine) ListSecretKeys() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	all, err := e.session.allSecrets()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	return keys, nil
}

// Sign produces an Ed25519 signature over data with the unlocked identity's
// key.
func (e *Engine) Sign(data []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kr, err := e.session.getKeyring()
	if err != nil {
		return nil, err
	}
	return kr.Sign(data)
}

// PublicKey returns the unlocked identity's Ed25519 public key.
func (e *Engine) PublicKey() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kr, err := e.session.getKeyring()
	if err != nil {
		return nil, err
	}
	return kr.PublicKey()
}

// GetID returns the unlocked identity's identifier.
func (e *Engine) GetID() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.getID()
}

func (e *Engine) IsAuthenticated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateUnlocked && e.session.authenticated()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ListStoredIDs returns the identifiers of all persisted identities.
func (e *Engine) ListStoredIDs(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOperational(); err != nil {
		return nil, err
	}
	ids, err := e.store.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return ids, nil
}

// Lock tears the session down and wipes its key material. Locking a locked
// engine is a no-op.
func (e *Engine) Lock(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateDisposed:
		return ErrDisposed
	case StateUninitialized:
		return ErrInitialization
	}
	e.dropSession()
	ids, err := e.store.ListIDs(ctx)
	if err != nil {
		e.state = StateLocked
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if len(ids) > 0 {
		e.state = StateLocked
	} else {
		e.state = StateReady
	}
	e.log.Info("vault locked")
	return nil
}

// WipeAll removes every persisted envelope and tears the session down. The
// engine returns to the ready state.
func (e *Engine) WipeAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOperational(); err != nil {
		return err
	}
	e.dropSession()
	if err := e.store.Clear(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	e.state = StateReady
	e.log.Warn("vault wiped")
	return nil
}

// Dispose tears everything down. The engine is unusable afterwards; every
// subsequent call fails with ErrDisposed. Disposing twice is harmless.
func (e *Engine) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateDisposed {
		return
	}
	e.dropSession()
	e.state = StateDisposed
	e.log.Info("vault disposed")
}

func (e *Engine) checkOperational() error {
	switch e.state {
	case StateDisposed:
		return ErrDisposed
	case StateUninitialized:
		return ErrInitialization
	}
	return nil
}

// loadEnvelope fetches the envelope for id, or the first identity the store
// lists when id is empty. Caller holds e.mu.
func (e *Engine) loadEnvelope(ctx context.Context, id string) (*payload.Envelope, error) {
	if id == "" {
		ids, err := e.store.ListIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: no identities stored", ErrAuthenticationFailed)
		}
		id = ids[0]
	}
	env, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if env == nil {
		return nil, fmt.Errorf("%w: unknown identity", ErrAuthenticationFailed)
	}
	return env, nil
}

// openPayload decrypts one ciphertext field of env with secret and validates
// the inner document. Decryption failure maps to ErrAuthenticationFailed,
// undecodable plaintext to ErrCorruptData and an inner/outer id disagreement
// to ErrIntegrity. Wrong secret and tampered blob are indistinguishable.
func (e *Engine) openPayload(env *payload.Envelope, field string, secret []byte) (*payload.Internal, error) {
	blob, err := payload.DecodeField(field)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	plain, err := e.crypto.AEADOpen(blob, secret)
	if err != nil {
		if errors.Is(err, cryptoprov.ErrDecryptFail) {
			return nil, ErrAuthenticationFailed
		}
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	internal, err := payload.Parse(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	if internal.ID != env.ID {
		return nil, fmt.Errorf("%w: payload id %s does not match envelope id %s", ErrIntegrity, internal.ID, env.ID)
	}
	return internal, nil
}

// restoreHandle unwraps internal's private key with sessionKey.
func (e *Engine) restoreHandle(internal *payload.Internal, sessionKey []byte) (cryptoprov.Handle, error) {
	wrapped, err := payload.DecodeField(internal.Wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	h, err := e.crypto.RestoreFromWrapped(wrapped, sessionKey)
	if err != nil {
		if errors.Is(err, cryptoprov.ErrDecryptFail) {
			return nil, ErrAuthenticationFailed
		}
		return nil, fmt.Errorf("%w: restore identity: %v", ErrCrypto, err)
	}
	return h, nil
}

// establishSession derives the session key from internal's embedded salt,
// restores the identity handle and installs the session. Takes ownership of
// password on success. Caller holds e.mu.
func (e *Engine) establishSession(id string, internal *payload.Internal, password []byte) error {
	salt, err := payload.DecodeField(internal.Salt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	sessionKey, err := e.crypto.DeriveKey(password, salt)
	if err != nil {
		return fmt.Errorf("%w: derive key: %v", ErrCrypto, err)
	}
	handle, err := e.restoreHandle(internal, sessionKey)
	if err != nil {
		memguard.WipeBytes(sessionKey)
		return err
	}
	e.session.establish(newKeyring(e.crypto, handle), sessionKey, id, password, internal.Secrets)
	e.state = StateUnlocked
	e.metrics.SessionUnlocked(true)
	return nil
}

// persistSecrets re-seals the current session's secrets into the stored
// envelope. The recovery ciphertext keeps its registration snapshot. Caller
// holds e.mu.
func (e *Engine) persistSecrets(ctx context.Context) error {
	id, err := e.session.getID()
	if err != nil {
		return err
	}
	password, err := e.session.getPassword()
	if err != nil {
		return err
	}
	secrets, err := e.session.allSecrets()
	if err != nil {
		return err
	}

	env, err := e.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if env == nil {
		return fmt.Errorf("%w: envelope missing for unlocked identity", ErrStorage)
	}
	internal, err := e.openPayload(env, env.MainCT, password)
	if err != nil {
		return fmt.Errorf("%w: stored envelope unreadable: %v", ErrStorage, err)
	}

	internal.Secrets = secrets
	internal.ModifiedAt = e.now().UnixMilli()
	plain, err := payload.Serialize(internal)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	mainCT, err := e.crypto.AEADSeal(plain, password)
	if err != nil {
		return fmt.Errorf("%w: seal: %v", ErrCrypto, err)
	}

	next := env.Clone()
	next.MainCT = payload.EncodeField(mainCT)
	next.UpdatedAt = e.now().UnixMilli()
	if err := e.store.Put(ctx, id, next); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (e *Engine) dropSession() {
	if e.session.authenticated() {
		e.session.clear()
		e.metrics.SessionUnlocked(false)
	}
}

package cryptoprov

import (
	"context"
	"errors"
)

var (
	ErrUnsupportedEnvironment = errors.New("cryptoprov: environment is not supported")
	ErrDecryptFail            = errors.New("cryptoprov: decryption failed")
	ErrInvalidHandle          = errors.New("cryptoprov: invalid identity handle")
	ErrHandleDropped          = errors.New("cryptoprov: identity handle was dropped")
	ErrInvalidKeySize         = errors.New("cryptoprov: invalid key size")
	ErrInvalidSaltSize        = errors.New("cryptoprov: invalid salt size")
	ErrInvalidSeedSize        = errors.New("cryptoprov: invalid seed size")
)

const (
	SaltSize       = 16
	SessionKeySize = 32
	SeedSize       = 32
	SignatureSize  = 64
	PublicKeySize  = 32
)

// Handle is an opaque reference to an identity whose private key lives in
// provider-owned memory. Engine code never sees the key bytes.
type Handle interface {
	isIdentityHandle()
}

// Provider supplies the cryptographic primitives the vault engine depends on.
// Concrete implementations own their key memory; the engine treats all blobs
// produced here as opaque byte strings.
type Provider interface {
	Init(ctx context.Context) error
	Random(n int) ([]byte, error)

	// DeriveKey stretches password+salt into a 32-byte session key. The same
	// password and salt must always yield the same output on one build.
	DeriveKey(password, salt []byte) ([]byte, error)

	// AEADSeal encrypts plaintext under a key derived from password with a
	// fresh embedded salt. The returned blob is self-describing:
	// magic(13) || kdf_salt(16) || nonce(24) || ciphertext+tag.
	AEADSeal(plaintext, password []byte) ([]byte, error)

	// AEADOpen inverts AEADSeal. A wrong password and a tampered blob are
	// indistinguishable; both fail with ErrDecryptFail.
	AEADOpen(blob, password []byte) ([]byte, error)

	NewIdentity() (Handle, error)
	NewIdentityFromSeed(seed []byte) (Handle, error)
	IdentityID(h Handle) (string, error)
	IdentityPublicKey(h Handle) ([]byte, error)

	// ExportWrapped encrypts the identity's private key under sessionKey:
	// nonce(12) || ciphertext || tag(16).
	ExportWrapped(h Handle, sessionKey []byte) ([]byte, error)
	RestoreFromWrapped(wrapped, sessionKey []byte) (Handle, error)

	Sign(h Handle, data []byte) ([]byte, error)

	// Drop wipes the handle's key material. Dropping twice is harmless.
	Drop(h Handle)
}

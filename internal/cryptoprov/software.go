package cryptoprov

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	idPrefix = "kf1"

	argonTime    = uint32(2)
	argonMemKB   = uint32(64 * 1024)
	argonThreads = uint8(1)
)

// sealMagic prefixes every AEADSeal blob. 13 bytes.
var sealMagic = []byte("KEYFOLDSEAL.1")

type softwareHandle struct {
	mu      sync.Mutex
	priv    *memguard.LockedBuffer
	pub     []byte
	dropped bool
}

func (*softwareHandle) isIdentityHandle() {}

// Software implements Provider with golang.org/x/crypto primitives and
// memguard-backed private key storage.
type Software struct{}

func NewSoftware() *Software {
	return &Software{}
}

func (p *Software) Init(ctx context.Context) error {
	_ = ctx
	var probe [1]byte
	if _, err := rand.Read(probe[:]); err != nil {
		return fmt.Errorf("%w: csprng unavailable: %v", ErrUnsupportedEnvironment, err)
	}
	return nil
}

func (p *Software) Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *Software) DeriveKey(password, salt []byte) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidSaltSize, len(salt), SaltSize)
	}
	return argon2.IDKey(password, salt, argonTime, argonMemKB, argonThreads, SessionKeySize), nil
}

func (p *Software) AEADSeal(plaintext, password []byte) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey(password, salt, argonTime, argonMemKB, argonThreads, chacha20poly1305.KeySize)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)

	blob := make([]byte, 0, len(sealMagic)+SaltSize+len(nonce)+len(ct))
	blob = append(blob, sealMagic...)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ct...)
	return blob, nil
}

func (p *Software) AEADOpen(blob, password []byte) ([]byte, error) {
	header := len(sealMagic) + SaltSize + chacha20poly1305.NonceSizeX
	if len(blob) < header+chacha20poly1305.Overhead {
		return nil, ErrDecryptFail
	}
	for i := range sealMagic {
		if blob[i] != sealMagic[i] {
			return nil, ErrDecryptFail
		}
	}
	salt := blob[len(sealMagic) : len(sealMagic)+SaltSize]
	nonce := blob[len(sealMagic)+SaltSize : header]
	ct := blob[header:]

	key := argon2.IDKey(password, salt, argonTime, argonMemKB, argonThreads, chacha20poly1305.KeySize)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptFail
	}
	return plaintext, nil
}

func (p *Software) NewIdentity() (Handle, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(seed)
	return p.NewIdentityFromSeed(seed)
}

func (p *Software) NewIdentityFromSeed(seed []byte) (Handle, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidSeedSize, len(seed), SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	h := &softwareHandle{
		// NewBufferFromBytes wipes its source slice.
		priv: memguard.NewBufferFromBytes(priv),
		pub:  append([]byte(nil), pub...),
	}
	return h, nil
}

func (p *Software) IdentityID(h Handle) (string, error) {
	sh, err := p.handle(h)
	if err != nil {
		return "", err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.dropped {
		return "", ErrHandleDropped
	}
	return BuildID(sh.pub)
}

func (p *Software) IdentityPublicKey(h Handle) ([]byte, error) {
	sh, err := p.handle(h)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.dropped {
		return nil, ErrHandleDropped
	}
	return append([]byte(nil), sh.pub...), nil
}

func (p *Software) ExportWrapped(h Handle, sessionKey []byte) ([]byte, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(sessionKey), SessionKeySize)
	}
	sh, err := p.handle(h)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.dropped {
		return nil, ErrHandleDropped
	}

	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, sh.priv.Bytes(), nil)
	return append(nonce, ct...), nil
}

func (p *Software) RestoreFromWrapped(wrapped, sessionKey []byte) (Handle, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(sessionKey), SessionKeySize)
	}
	if len(wrapped) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrDecryptFail
	}
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	nonce := wrapped[:chacha20poly1305.NonceSize]
	ct := wrapped[chacha20poly1305.NonceSize:]
	priv, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptFail
	}
	if len(priv) != ed25519.PrivateKeySize {
		memguard.WipeBytes(priv)
		return nil, ErrDecryptFail
	}
	pub := ed25519.PrivateKey(priv).Public().(ed25519.PublicKey)
	h := &softwareHandle{
		priv: memguard.NewBufferFromBytes(priv),
		pub:  append([]byte(nil), pub...),
	}
	return h, nil
}

func (p *Software) Sign(h Handle, data []byte) ([]byte, error) {
	sh, err := p.handle(h)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.dropped {
		return nil, ErrHandleDropped
	}
	return ed25519.Sign(ed25519.PrivateKey(sh.priv.Bytes()), data), nil
}

func (p *Software) Drop(h Handle) {
	sh, err := p.handle(h)
	if err != nil {
		return
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.dropped {
		return
	}
	sh.dropped = true
	sh.priv.Destroy()
}

func (p *Software) handle(h Handle) (*softwareHandle, error) {
	sh, ok := h.(*softwareHandle)
	if !ok || sh == nil {
		return nil, ErrInvalidHandle
	}
	return sh, nil
}

// BuildID maps an Ed25519 public key to the stable printable identifier used
// as the store primary key.
func BuildID(publicKey []byte) (string, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid public key size: %d", len(publicKey))
	}
	h := blake2b.Sum256(publicKey)
	return idPrefix + base58.Encode(h[:]), nil
}

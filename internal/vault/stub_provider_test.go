package vault

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"keyfold/go-vault/internal/cryptoprov"
)

// stubProvider implements the provider contract with a cheap hash-based KDF
// so engine tests stay fast. Blob and wrapped formats follow the production
// layout closely enough that tamper tests stay meaningful.
type stubProvider struct {
	handles int
	drops   int
}

type stubHandle struct {
	priv    ed25519.PrivateKey
	dropped bool
}

func (*stubHandle) isIdentityHandle() {}

func (p *stubProvider) Init(ctx context.Context) error { return nil }

func (p *stubProvider) Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *stubProvider) DeriveKey(password, salt []byte) ([]byte, error) {
	if len(salt) != cryptoprov.SaltSize {
		return nil, cryptoprov.ErrInvalidSaltSize
	}
	h := sha256.New()
	h.Write(password)
	h.Write(salt)
	return h.Sum(nil), nil
}

func (p *stubProvider) AEADSeal(plaintext, password []byte) ([]byte, error) {
	salt, err := p.Random(cryptoprov.SaltSize)
	if err != nil {
		return nil, err
	}
	key, err := p.DeriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := p.Random(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	out := append([]byte{}, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

func (p *stubProvider) AEADOpen(blob, password []byte) ([]byte, error) {
	if len(blob) < cryptoprov.SaltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, cryptoprov.ErrDecryptFail
	}
	salt := blob[:cryptoprov.SaltSize]
	nonce := blob[cryptoprov.SaltSize : cryptoprov.SaltSize+chacha20poly1305.NonceSizeX]
	ct := blob[cryptoprov.SaltSize+chacha20poly1305.NonceSizeX:]
	key, err := p.DeriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, cryptoprov.ErrDecryptFail
	}
	return plain, nil
}

func (p *stubProvider) NewIdentity() (cryptoprov.Handle, error) {
	seed, err := p.Random(cryptoprov.SeedSize)
	if err != nil {
		return nil, err
	}
	return p.NewIdentityFromSeed(seed)
}

func (p *stubProvider) NewIdentityFromSeed(seed []byte) (cryptoprov.Handle, error) {
	if len(seed) != cryptoprov.SeedSize {
		return nil, cryptoprov.ErrInvalidSeedSize
	}
	p.handles++
	return &stubHandle{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (p *stubProvider) get(h cryptoprov.Handle) (*stubHandle, error) {
	sh, ok := h.(*stubHandle)
	if !ok {
		return nil, cryptoprov.ErrInvalidHandle
	}
	if sh.dropped {
		return nil, cryptoprov.ErrHandleDropped
	}
	return sh, nil
}

func (p *stubProvider) IdentityID(h cryptoprov.Handle) (string, error) {
	sh, err := p.get(h)
	if err != nil {
		return "", err
	}
	return cryptoprov.BuildID(sh.priv.Public().(ed25519.PublicKey))
}

func (p *stubProvider) IdentityPublicKey(h cryptoprov.Handle) ([]byte, error) {
	sh, err := p.get(h)
	if err != nil {
		return nil, err
	}
	return append([]byte{}, sh.priv.Public().(ed25519.PublicKey)...), nil
}

func (p *stubProvider) ExportWrapped(h cryptoprov.Handle, sessionKey []byte) ([]byte, error) {
	sh, err := p.get(h)
	if err != nil {
		return nil, err
	}
	if len(sessionKey) != cryptoprov.SessionKeySize {
		return nil, cryptoprov.ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	nonce, err := p.Random(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return aead.Seal(append([]byte{}, nonce...), nonce, sh.priv, nil), nil
}

func (p *stubProvider) RestoreFromWrapped(wrapped, sessionKey []byte) (cryptoprov.Handle, error) {
	if len(sessionKey) != cryptoprov.SessionKeySize {
		return nil, cryptoprov.ErrInvalidKeySize
	}
	if len(wrapped) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, cryptoprov.ErrDecryptFail
	}
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	priv, err := aead.Open(nil, wrapped[:chacha20poly1305.NonceSize], wrapped[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, cryptoprov.ErrDecryptFail
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("unexpected private key length %d", len(priv))
	}
	p.handles++
	return &stubHandle{priv: ed25519.PrivateKey(priv)}, nil
}

func (p *stubProvider) Sign(h cryptoprov.Handle, data []byte) ([]byte, error) {
	sh, err := p.get(h)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(sh.priv, data), nil
}

func (p *stubProvider) Drop(h cryptoprov.Handle) {
	if sh, ok := h.(*stubHandle); ok && !sh.dropped {
		sh.dropped = true
		p.drops++
	}
}

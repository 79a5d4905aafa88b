package vault

import (
	"fmt"

	"keyfold/go-vault/internal/cryptoprov"
)

// keyring owns the single active identity handle and guarantees the handle is
// dropped exactly once on teardown.
type keyring struct {
	crypto cryptoprov.Provider
	handle cryptoprov.Handle
	closed bool
}

func newKeyring(p cryptoprov.Provider, h cryptoprov.Handle) *keyring {
	return &keyring{crypto: p, handle: h}
}

func (k *keyring) Sign(data []byte) ([]byte, error) {
	if k == nil || k.closed {
		return nil, ErrNotAuthenticated
	}
	sig, err := k.crypto.Sign(k.handle, data)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrCrypto, err)
	}
	return sig, nil
}

func (k *keyring) PublicKey() ([]byte, error) {
	if k == nil || k.closed {
		return nil, ErrNotAuthenticated
	}
	pub, err := k.crypto.IdentityPublicKey(k.handle)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrCrypto, err)
	}
	return pub, nil
}

func (k *keyring) ID() (string, error) {
	if k == nil || k.closed {
		return "", ErrNotAuthenticated
	}
	id, err := k.crypto.IdentityID(k.handle)
	if err != nil {
		return "", fmt.Errorf("%w: identity id: %v", ErrCrypto, err)
	}
	return id, nil
}

func (k *keyring) ExportWrapped(sessionKey []byte) ([]byte, error) {
	if k == nil || k.closed {
		return nil, ErrNotAuthenticated
	}
	wrapped, err := k.crypto.ExportWrapped(k.handle, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: export wrapped: %v", ErrCrypto, err)
	}
	return wrapped, nil
}

// Close drops the underlying handle. Safe to call more than once; the
// provider tolerates double-drop as well.
func (k *keyring) Close() {
	if k == nil || k.closed {
		return
	}
	k.closed = true
	k.crypto.Drop(k.handle)
}

package vault

import (
	"github.com/awnumar/memguard"
)

// sessionState is the in-memory unlocked bundle: keyring, session key, cached
// password and decrypted secrets. It is never persisted. Establishing a new
// session destroys the prior one first; clear wipes key and password bytes on
// every exit path.
type sessionState struct {
	keyring  *keyring
	key      []byte
	id       string
	password []byte
	secrets  map[string]string
}

func (s *sessionState) establish(kr *keyring, key []byte, id string, password []byte, secrets map[string]string) {
	s.clear()
	s.keyring = kr
	s.key = key
	s.id = id
	s.password = password
	s.secrets = make(map[string]string, len(secrets))
	for k, v := range secrets {
		s.secrets[k] = v
	}
}

// rekey swaps the session key and password in place, wiping the old bytes.
// Keyring, id and secrets are untouched.
func (s *sessionState) rekey(key, password []byte) {
	if s.key != nil {
		memguard.WipeBytes(s.key)
	}
	if s.password != nil {
		memguard.WipeBytes(s.password)
	}
	s.key = key
	s.password = password
}

func (s *sessionState) clear() {
	if s.keyring != nil {
		s.keyring.Close()
		s.keyring = nil
	}
	if s.key != nil {
		memguard.WipeBytes(s.key)
		s.key = nil
	}
	if s.password != nil {
		memguard.WipeBytes(s.password)
		s.password = nil
	}
	for k := range s.secrets {
		delete(s.secrets, k)
	}
	s.secrets = nil
	s.id = ""
}

func (s *sessionState) authenticated() bool {
	return s.keyring != nil
}

func (s *sessionState) getID() (string, error) {
	if !s.authenticated() {
		return "", ErrNotAuthenticated
	}
	return s.id, nil
}

func (s *sessionState) getKeyring() (*keyring, error) {
	if !s.authenticated() {
		return nil, ErrNotAuthenticated
	}
	return s.keyring, nil
}

func (s *sessionState) getPassword() ([]byte, error) {
	if !s.authenticated() {
		return nil, ErrNotAuthenticated
	}
	return s.password, nil
}

func (s *sessionState) getSecret(key string) (string, bool, error) {
	if !s.authenticated() {
		return "", false, ErrNotAuthenticated
	}
	v, ok := s.secrets[key]
	return v, ok, nil
}

func (s *sessionState) setSecret(key, value string) error {
	if !s.authenticated() {
		return ErrNotAuthenticated
	}
	s.secrets[key] = value
	return nil
}

func (s *sessionState) deleteSecret(key string) error {
	if !s.authenticated() {
		return ErrNotAuthenticated
	}
	delete(s.secrets, key)
	return nil
}

func (s *sessionState) allSecrets() (map[string]string, error) {
	if !s.authenticated() {
		return nil, ErrNotAuthenticated
	}
	out := make(map[string]string, len(s.secrets))
	for k, v := range s.secrets {
		out[k] = v
	}
	return out, nil
}

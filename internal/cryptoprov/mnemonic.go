package cryptoprov

import (
	"errors"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidMnemonic = errors.New("cryptoprov: invalid mnemonic")

// MnemonicFromSeed encodes a 32-byte identity seed as a 24-word BIP-39
// phrase. The phrase and the seed carry the same entropy; either one
// reconstructs the identity.
func MnemonicFromSeed(seed []byte) (string, error) {
	if len(seed) != SeedSize {
		return "", ErrInvalidSeedSize
	}
	mnemonic, err := bip39.NewMnemonic(seed)
	if err != nil {
		return "", err
	}
	return mnemonic, nil
}

// SeedFromMnemonic recovers the identity seed from a backup phrase.
func SeedFromMnemonic(mnemonic string) ([]byte, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	if len(entropy) != SeedSize {
		return nil, ErrInvalidMnemonic
	}
	return entropy, nil
}

// ValidateMnemonic reports whether a phrase is well-formed.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(strings.TrimSpace(mnemonic))
}

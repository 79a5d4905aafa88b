package vault

import (
	"fmt"
	"regexp"
	"strings"

	"keyfold/go-vault/internal/cryptoprov"
)

// Recovery codes carry 128 bits of CSPRNG entropy rendered as four groups of
// eight uppercase hex digits. They are handed to the caller exactly once at
// registration and never persisted.
var recoveryCodePattern = regexp.MustCompile(`^RK-[A-F0-9]{8}-[A-F0-9]{8}-[A-F0-9]{8}-[A-F0-9]{8}$`)

func newRecoveryCode(p cryptoprov.Provider) (string, error) {
	raw, err := p.Random(16)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	hexed := strings.ToUpper(fmt.Sprintf("%x", raw))
	return fmt.Sprintf("RK-%s-%s-%s-%s", hexed[0:8], hexed[8:16], hexed[16:24], hexed[24:32]), nil
}

// IsRecoveryCode reports whether s has the exact wire format of a recovery
// code. It says nothing about whether the code opens any envelope.
func IsRecoveryCode(s string) bool {
	return recoveryCodePattern.MatchString(s)
}

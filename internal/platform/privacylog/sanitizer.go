package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

const redactedValue = "[REDACTED]"

type keyAction int

const (
	keyPass keyAction = iota
	keyRedact
	keyFingerprint
)

// credentialMarkers flag keys whose values may carry material that must
// never reach a log sink.
var credentialMarkers = []string{
	"password", "passphrase", "secret", "token", "authorization", "auth",
	"recovery", "mnemonic", "seed", "session_key", "wrapped", "private",
}

// classifyKey decides what may be logged under a key. Identity identifiers
// are fingerprinted so operators can still correlate lines from one run.
// key must already be lower-cased and trimmed.
func classifyKey(key string) keyAction {
	for _, marker := range credentialMarkers {
		if strings.Contains(key, marker) {
			return keyRedact
		}
	}
	switch key {
	case "id", "identity_id", "vault_id", "target_id":
		return keyFingerprint
	}
	return keyPass
}

type sanitizingHandler struct {
	next slog.Handler
}

// WrapHandler layers credential redaction and identifier fingerprinting
// over next. Group nesting is preserved.
func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return sanitizingHandler{next: next}
}

func (h sanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h sanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(sanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h sanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		clean[i] = sanitizeAttr(attr)
	}
	return sanitizingHandler{next: h.next.WithAttrs(clean)}
}

func (h sanitizingHandler) WithGroup(name string) slog.Handler {
	return sanitizingHandler{next: h.next.WithGroup(name)}
}

func sanitizeAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		members := attr.Value.Group()
		clean := make([]slog.Attr, len(members))
		for i, member := range members {
			clean[i] = sanitizeAttr(member)
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(clean...)}
	}

	key := strings.TrimSpace(attr.Key)
	switch classifyKey(strings.ToLower(key)) {
	case keyRedact:
		return slog.String(key, redactedValue)
	case keyFingerprint:
		return slog.String(fingerprintKey(key), FingerprintID(attr.Value.String()))
	}
	return attr
}

// SanitizeArgs cleans alternating key/value pairs for call sites that log
// through an unwrapped logger. Non-string keys and a trailing odd element
// pass through untouched.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i == len(args)-1 {
			out = append(out, args[i])
			continue
		}
		value := args[i+1]
		i++

		trimmed := strings.TrimSpace(key)
		switch classifyKey(strings.ToLower(trimmed)) {
		case keyRedact:
			out = append(out, key, redactedValue)
		case keyFingerprint:
			out = append(out, fingerprintKey(trimmed), FingerprintID(fmt.Sprint(value)))
		default:
			out = append(out, key, value)
		}
	}
	return out
}

func fingerprintKey(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

// bootNonce salts fingerprints with per-process randomness so they cannot
// be joined across runs or hosts.
var bootNonce = sync.OnceValue(func() []byte {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return []byte("fallback-boot-nonce")
	}
	return buf
})

// FingerprintID maps an identifier to a short salted digest. Stable within
// one process, meaningless outside it. Empty input stays empty.
func FingerprintID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	h := sha256.New()
	h.Write(bootNonce())
	h.Write([]byte(value))
	return "fp_" + hex.EncodeToString(h.Sum(nil)[:8])
}

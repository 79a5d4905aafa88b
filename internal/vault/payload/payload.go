package payload

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const EnvelopeVersion = 1

var ErrCorrupt = errors.New("payload: corrupt data")

// Internal is the plaintext document protected by the envelope's AEAD layer.
// CreatedAt is fixed at registration; ModifiedAt tracks secret mutations.
type Internal struct {
	ID         string            `json:"id"`
	Wrapped    string            `json:"wrapped"`
	Salt       string            `json:"salt"`
	Secrets    map[string]string `json:"secrets"`
	CreatedAt  int64             `json:"created_at"`
	ModifiedAt int64             `json:"modified_at,omitempty"`
}

// Envelope is the persisted vault record. MainCT and RecoveryCT are two
// independent AEAD wrappings; RecoveryCT stays frozen at the registration
// snapshot after secret mutations.
type Envelope struct {
	Version    int    `json:"version"`
	ID         string `json:"id"`
	Salt       string `json:"salt"`
	MainCT     string `json:"main_ct"`
	RecoveryCT string `json:"recovery_ct,omitempty"`
	UpdatedAt  int64  `json:"updated_at"`
}

func (e *Envelope) HasRecovery() bool {
	return e != nil && e.RecoveryCT != ""
}

func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	dup := *e
	return &dup
}

// Serialize produces the canonical byte form of an internal payload.
func Serialize(p *Internal) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrCorrupt)
	}
	if p.Secrets == nil {
		p.Secrets = map[string]string{}
	}
	return json.Marshal(p)
}

// Parse decodes and validates an internal payload. Missing required fields
// and undecodable salt or wrapped material are reported as ErrCorrupt.
func Parse(raw []byte) (*Internal, error) {
	var p Internal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if p.ID == "" || p.Wrapped == "" || p.Salt == "" {
		return nil, fmt.Errorf("%w: missing required fields", ErrCorrupt)
	}
	if _, err := base64.StdEncoding.DecodeString(p.Wrapped); err != nil {
		return nil, fmt.Errorf("%w: wrapped secret is not base64", ErrCorrupt)
	}
	if salt, err := base64.StdEncoding.DecodeString(p.Salt); err != nil || len(salt) != 16 {
		return nil, fmt.Errorf("%w: malformed salt", ErrCorrupt)
	}
	if p.Secrets == nil {
		p.Secrets = map[string]string{}
	}
	return &p, nil
}

// MakeEnvelope assembles a version-1 envelope. recoveryCT may be nil when the
// identity has no recovery capability.
func MakeEnvelope(id string, salt, mainCT, recoveryCT []byte, now time.Time) *Envelope {
	env := &Envelope{
		Version:   EnvelopeVersion,
		ID:        id,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		MainCT:    base64.StdEncoding.EncodeToString(mainCT),
		UpdatedAt: now.UnixMilli(),
	}
	if len(recoveryCT) > 0 {
		env.RecoveryCT = base64.StdEncoding.EncodeToString(recoveryCT)
	}
	return env
}

// DecodeField decodes one base64 envelope field.
func DecodeField(field string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(field)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return raw, nil
}

func EncodeField(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

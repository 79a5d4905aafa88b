package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"keyfold/go-vault/internal/vault/payload"
)

const envelopeFileSuffix = ".env.json"

// File keeps one JSON file per identity under a data directory. Writes go
// through a temp file and rename so a record is either fully old or fully new.
type File struct {
	dir string
}

func NewFile(dir string) (*File, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("store: empty data directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(id string) string {
	return filepath.Join(f.dir, id+envelopeFileSuffix)
}

func (f *File) Put(ctx context.Context, id string, env *payload.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPut(id, env); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("store: encode envelope: %w", err)
	}
	tmp := f.path(id) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("store: write envelope: %w", err)
	}
	if err := os.Rename(tmp, f.path(id)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store: commit envelope: %w", err)
	}
	return nil
}

func (f *File) Get(ctx context.Context, id string) (*payload.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read envelope: %w", err)
	}
	var env payload.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("store: decode envelope: %w", err)
	}
	return &env, nil
}

func (f *File) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	if err := os.Remove(f.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: remove envelope: %w", err)
	}
	return nil
}

func (f *File) ListIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("store: list envelopes: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, envelopeFileSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, envelopeFileSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *File) Clear(ctx context.Context) error {
	ids, err := f.ListIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := f.Remove(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// validateID keeps identifiers inside the data directory. IDs are base58
// strings in practice; anything path-like is rejected outright.
func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("store: invalid identifier %q", id)
	}
	return nil
}

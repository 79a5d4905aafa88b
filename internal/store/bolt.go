package store

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"keyfold/go-vault/internal/vault/payload"
)

var envelopeBucket = []byte("envelopes")

// Bolt persists envelopes in a single-bucket bbolt database. This is the
// durable backend for the daemon.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(envelopeBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init bolt bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Put(ctx context.Context, id string, env *payload.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPut(id, env); err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("store: encode envelope: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(envelopeBucket).Put([]byte(id), raw)
	})
}

func (b *Bolt) Get(ctx context.Context, id string) (*payload.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var env *payload.Envelope
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(envelopeBucket).Get([]byte(id))
		if raw == nil {
			return nil
		}
		var decoded payload.Envelope
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("store: decode envelope: %w", err)
		}
		env = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (b *Bolt) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(envelopeBucket).Delete([]byte(id))
	})
}

func (b *Bolt) ListIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(envelopeBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (b *Bolt) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(envelopeBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(envelopeBucket)
		return err
	})
}

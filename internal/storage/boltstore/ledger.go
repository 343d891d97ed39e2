// Package boltstore keeps the idempotency ledger in an embedded BoltDB file,
// for single-node deployments that do not want ledger rows in Postgres.
//
// Bolt serializes all read-write transactions, so create-if-absent is a plain
// get-then-put inside db.Update.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/cimillas/delivery-slots/internal/clock"
	"github.com/cimillas/delivery-slots/internal/domain"
)

var bucketName = []byte("idempotency_records")

type record struct {
	RequestHash  string    `json:"request_hash"`
	StatusCode   int       `json:"status_code"`
	ResponseBody []byte    `json:"response_body,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r record) toDomain(key string) domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:          key,
		RequestHash:  r.RequestHash,
		StatusCode:   r.StatusCode,
		ResponseBody: r.ResponseBody,
		CreatedAt:    r.CreatedAt,
	}
}

type Ledger struct {
	db        *bolt.DB
	clock     clock.Clock
	retention time.Duration
}

// Open opens (or creates) the ledger file at path.
func Open(path string, clk clock.Clock, retention time.Duration) (*Ledger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger bucket: %w", err)
	}

	return &Ledger{db: db, clock: clk, retention: retention}, nil
}

// Close releases the database file lock.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) Check(ctx context.Context, key, requestHash string) (domain.IdempotencyCheck, error) {
	if err := ctx.Err(); err != nil {
		return domain.IdempotencyCheck{}, err
	}

	var result domain.IdempotencyCheck
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		now := l.clock.Now()

		if raw := b.Get([]byte(key)); raw != nil {
			var rec record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode record %q: %w", key, err)
			}
			if !rec.toDomain(key).Expired(now, l.retention) {
				result = rec.toDomain(key).Verdict(requestHash)
				return nil
			}
		}

		data, err := json.Marshal(record{RequestHash: requestHash, StatusCode: domain.StatusInFlight, CreatedAt: now})
		if err != nil {
			return err
		}
		result = domain.IdempotencyCheck{State: domain.CheckNew}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return domain.IdempotencyCheck{}, fmt.Errorf("check idempotency key: %w", err)
	}
	return result, nil
}

func (l *Ledger) StoreOutcome(ctx context.Context, key string, status int, body []byte) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get([]byte(key))
		if raw == nil {
			return domain.ErrOutcomeAlreadyStored
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode record %q: %w", key, err)
		}
		if rec.StatusCode != domain.StatusInFlight {
			return domain.ErrOutcomeAlreadyStored
		}

		rec.StatusCode = status
		rec.ResponseBody = append([]byte(nil), body...)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Abandon deletes key if it is still in flight. Completed records stay.
func (l *Ledger) Abandon(ctx context.Context, key string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode record %q: %w", key, err)
		}
		if rec.StatusCode != domain.StatusInFlight {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Purge deletes every record older than the retention window and returns how
// many it removed.
func (l *Ledger) Purge(ctx context.Context) (int, error) {
	removed := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		now := l.clock.Now()
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %q: %w", k, err)
			}
			if rec.toDomain(string(k)).Expired(now, l.retention) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

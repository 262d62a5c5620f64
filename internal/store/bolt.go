package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"aquarium/internal/device"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketState = []byte("state")
	bucketLogs  = []byte("logs")
	bucketUsers = []byte("users")
)

// Bolt stores records as JSON documents in a single bbolt file. Log keys are
// big-endian sequence numbers so cursor order is insertion order.
type Bolt struct {
	db     *bolt.DB
	logger *zap.Logger
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string, logger *zap.Logger) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketState, bucketLogs, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Named("store").Info("Opened bolt store", zap.String("path", path))
	return &Bolt{db: db, logger: logger.Named("store")}, nil
}

func (b *Bolt) LoadState(ctx context.Context, deviceID string) (device.State, error) {
	var s device.State
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketState).Get([]byte(deviceID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &s)
	})
	return s, err
}

func (b *Bolt) SaveState(ctx context.Context, s device.State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put([]byte(s.DeviceID), data)
	})
}

func (b *Bolt) AppendLog(ctx context.Context, rec device.LogRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLogs)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = seq
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal log record: %w", err)
		}
		return bucket.Put(seqKey(seq), data)
	})
}

func (b *Bolt) RecentLogs(ctx context.Context, limit int) ([]device.LogRecord, error) {
	out := make([]device.LogRecord, 0, limit)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec device.LogRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				b.logger.Warn("Skipping unreadable log record",
					zap.Uint64("id", binary.BigEndian.Uint64(k)),
					zap.Error(err))
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (b *Bolt) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLogs)

		// Deleting while iterating skips keys in bbolt, so collect first.
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var rec device.LogRecord
			if err := json.Unmarshal(v, &rec); err != nil || rec.Timestamp.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(stale)
		return nil
	})
	return deleted, err
}

func (b *Bolt) GetUser(ctx context.Context, username string) (User, error) {
	var u User
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(username))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &u)
	})
	return u, err
}

func (b *Bolt) CreateUser(ctx context.Context, u User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketUsers)
		if bucket.Get([]byte(u.Username)) != nil {
			return ErrExists
		}
		return bucket.Put([]byte(u.Username), data)
	})
}

func (b *Bolt) UpsertUser(ctx context.Context, u User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Put([]byte(u.Username), data)
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Package bolt stores raffle snapshots and events in a single bbolt file.
// It suits single-node deployments that want restarts to keep state without
// running PostgreSQL.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
)

var (
	snapshotsBucket = []byte("snapshots")
	eventsBucket    = []byte("events")
)

// Store is a bbolt-backed RaffleStore.
type Store struct {
	db       *bolt.DB
	raffleID []byte
}

var _ storage.RaffleStore = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path, raffleID string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(snapshotsBucket); err != nil {
			return err
		}
		events, err := tx.CreateBucketIfNotExists(eventsBucket)
		if err != nil {
			return err
		}
		_, err = events.CreateBucketIfNotExists([]byte(raffleID))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &Store{db: db, raffleID: []byte(raffleID)}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveSnapshot(_ context.Context, snap raffle.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put(s.raffleID, data)
	})
}

func (s *Store) LoadSnapshot(_ context.Context) (raffle.Snapshot, bool, error) {
	var (
		snap raffle.Snapshot
		ok   bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(snapshotsBucket).Get(s.raffleID)
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return raffle.Snapshot{}, false, err
	}
	return snap, ok, nil
}

func (s *Store) AppendEvent(_ context.Context, evt raffle.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket).Bucket(s.raffleID)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func (s *Store) ListEvents(_ context.Context, limit int) ([]raffle.Event, error) {
	var out []raffle.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(eventsBucket).Bucket(s.raffleID).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			var evt raffle.Event
			if err := json.Unmarshal(v, &evt); err != nil {
				return fmt.Errorf("decode event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, evt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

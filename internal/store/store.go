// Package store implements the persistence store (component A): a durable,
// append-mostly record of every request and its terminal outcome, backed by
// go.etcd.io/bbolt in the same style the sibling state service uses for its
// own key-value store.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/geoffjay/tacore/internal/tacerr"
)

var (
	bucketRequests    = []byte("requests")
	bucketByCreatedAt = []byte("by_created_at")
	bucketWorkerEvents = []byte("worker_events")
)

// Store is the bbolt-backed implementation of the persistence contract.
type Store struct {
	db *bolt.DB

	// seq guards monotonic sequence allocation for worker_events keys;
	// bbolt transactions already serialize writers, this only avoids a
	// second read-modify-write round trip per event.
	mu  sync.Mutex
	seq uint64
}

// Open creates/opens the bbolt database file at path and ensures buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0664, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}

	var lastSeq uint64
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRequests, bucketByCreatedAt, bucketWorkerEvents} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		// Resume the worker_events sequence after the last stored key so a
		// reopened store appends rather than overwriting earlier events.
		if k, _ := tx.Bucket(bucketWorkerEvents).Cursor().Last(); len(k) == 8 {
			lastSeq = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, seq: lastSeq}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendRequest writes a new PENDING row. Fails with E_DUPLICATE_ID if
// request_id already exists.
func (s *Store) AppendRequest(r *Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		reqs := tx.Bucket(bucketRequests)
		if reqs.Get([]byte(r.RequestID)) != nil {
			return tacerr.New(tacerr.CodeDuplicateID, "request_id already exists: "+r.RequestID)
		}

		encoded, err := encode(r)
		if err != nil {
			return err
		}
		if err := reqs.Put([]byte(r.RequestID), encoded); err != nil {
			return err
		}

		idx := tx.Bucket(bucketByCreatedAt)
		return idx.Put(createdAtKey(r.CreatedAt, r.RequestID), []byte(r.RequestID))
	})
}

// UpdateRequest atomically applies patch to the record named by requestID.
func (s *Store) UpdateRequest(requestID string, patch Patch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		reqs := tx.Bucket(bucketRequests)
		raw := reqs.Get([]byte(requestID))
		if raw == nil {
			return tacerr.New(tacerr.CodeNotFound, "request_id not found: "+requestID)
		}

		var r Record
		if err := decode(raw, &r); err != nil {
			return err
		}

		if r.Status.terminal() {
			return tacerr.New(tacerr.CodeIllegalTransition,
				"cannot transition terminal request "+requestID+" from "+string(r.Status)+" to "+string(patch.Status))
		}

		r.Status = patch.Status
		if patch.WorkerID != nil {
			r.WorkerID = *patch.WorkerID
		}
		if patch.DispatchedAt != nil {
			r.DispatchedAt = *patch.DispatchedAt
		}
		if patch.CompletedAt != nil {
			r.CompletedAt = *patch.CompletedAt
		}
		if patch.ResponsePayload != nil {
			r.ResponsePayload = patch.ResponsePayload
		}
		if patch.ErrorCode != "" {
			r.ErrorCode = patch.ErrorCode
		}
		if patch.ErrorMessage != "" {
			r.ErrorMessage = patch.ErrorMessage
		}
		if patch.Attempt != nil {
			r.Attempt = *patch.Attempt
		}

		encoded, err := encode(&r)
		if err != nil {
			return err
		}
		return reqs.Put([]byte(requestID), encoded)
	})
}

// GetRequest returns the record named by requestID, or nil if absent.
func (s *Store) GetRequest(requestID string) (*Record, error) {
	var out *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRequests).Get([]byte(requestID))
		if raw == nil {
			return nil
		}
		var r Record
		if err := decode(raw, &r); err != nil {
			return err
		}
		out = &r
		return nil
	})
	return out, err
}

// ListRecent returns up to limit records, newest first, matching filter.
func (s *Store) ListRecent(limit int, filter Filter) ([]*Record, error) {
	var out []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketByCreatedAt)
		reqs := tx.Bucket(bucketRequests)
		c := idx.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			raw := reqs.Get(v)
			if raw == nil {
				continue
			}
			var r Record
			if err := decode(raw, &r); err != nil {
				return err
			}
			if !filter.matches(&r) {
				continue
			}
			out = append(out, &r)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// AppendWorkerEvent records a worker lifecycle event for audit purposes.
func (s *Store) AppendWorkerEvent(ev WorkerEvent) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		encoded, err := encode(&ev)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWorkerEvents).Put(key, encoded)
	})
}

// RecoverAbandoned rewrites any row still in {PENDING, DISPATCHED} at
// startup whose age exceeds requestTimeout to TIMEOUT/E_RECOVERY_ABORT. It
// returns the number of rows rewritten. This is the crash-recovery pass run
// once by bootstrap before the broker starts accepting traffic.
func (s *Store) RecoverAbandoned(requestTimeout time.Duration, now time.Time) (int, error) {
	var rewritten []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRequests).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r Record
			if err := decode(v, &r); err != nil {
				return err
			}
			if (r.Status == StatusPending || r.Status == StatusDispatched) &&
				now.Sub(r.CreatedAt) > requestTimeout {
				rewritten = append(rewritten, r.RequestID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	// Sort for deterministic log ordering; not a correctness requirement.
	sort.Strings(rewritten)

	for _, id := range rewritten {
		completedAt := now
		err := s.UpdateRequest(id, Patch{
			Status:       StatusTimeout,
			CompletedAt:  &completedAt,
			ErrorCode:    tacerr.CodeRecoveryAbort,
			ErrorMessage: "request was in-flight at broker crash and could not be resumed",
		})
		if err != nil {
			log.WithFields(log.Fields{
				"context":    "store.RecoverAbandoned",
				"request_id": id,
				"error":      err,
			}).Error("failed to rewrite abandoned request")
			return len(rewritten), err
		}
	}

	return len(rewritten), nil
}

func createdAtKey(t time.Time, requestID string) []byte {
	buf := make([]byte, 8+len(requestID))
	binary.BigEndian.PutUint64(buf[:8], uint64(t.UnixNano()))
	copy(buf[8:], requestID)
	return buf
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Package journal optionally persists poller bookkeeping across
// restarts. The in-memory trackers are rebuilt from the ledger either
// way; the journal just lets a restarted crank skip requests it
// already abandoned instead of re-burning retries on them.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// keys: f:<32-byte-id> = failed entry, r:<32-byte-id> = cached result
func kFailed(id [32]byte) []byte { return append([]byte("f:"), id[:]...) }
func kResult(id [32]byte) []byte { return append([]byte("r:"), id[:]...) }

// FailedEntry records why and when a request was abandoned.
type FailedEntry struct {
	Reason      string    `json:"reason"`
	AbandonedAt time.Time `json:"abandonedAt"`
}

type Journal struct {
	db *pebble.DB
}

func Open(path string) (*Journal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal at %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// MarkFailed persists a permanently-failed request id.
func (j *Journal) MarkFailed(id [32]byte, reason string) error {
	val, err := json.Marshal(FailedEntry{Reason: reason, AbandonedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := j.db.Set(kFailed(id), val, pebble.Sync); err != nil {
		return fmt.Errorf("journal failed id: %w", err)
	}
	return nil
}

// IsFailed reports whether an id was abandoned in a previous run.
func (j *Journal) IsFailed(id [32]byte) (bool, error) {
	_, closer, err := j.db.Get(kFailed(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// FailedIDs returns every abandoned id, for seeding a poller's failed
// set on boot.
func (j *Journal) FailedIDs() ([][32]byte, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("f:"),
		UpperBound: []byte("f;"), // ';' is ':'+1
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out [][32]byte
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != 2+32 {
			continue
		}
		var id [32]byte
		copy(id[:], key[2:])
		out = append(out, id)
	}
	return out, iter.Error()
}

// SaveResult persists a computed-but-undelivered result so a restart
// does not recompute it. The success flag travels with the bytes: the
// callback needs both.
func (j *Journal) SaveResult(id [32]byte, result []byte, success bool) error {
	val := make([]byte, 1+len(result))
	if success {
		val[0] = 1
	}
	copy(val[1:], result)
	if err := j.db.Set(kResult(id), val, pebble.Sync); err != nil {
		return fmt.Errorf("journal result: %w", err)
	}
	return nil
}

// Result returns the persisted result and success flag for an id; found
// is false when nothing was journaled.
func (j *Journal) Result(id [32]byte) (result []byte, success, found bool, err error) {
	val, closer, err := j.db.Get(kResult(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, false, nil
		}
		return nil, false, false, err
	}
	defer closer.Close()
	if len(val) < 1 {
		return nil, false, false, fmt.Errorf("journal result for %x: empty value", id[:8])
	}
	out := make([]byte, len(val)-1)
	copy(out, val[1:])
	return out, val[0] == 1, true, nil
}

// DeleteResult drops a delivered result.
func (j *Journal) DeleteResult(id [32]byte) error {
	return j.db.Delete(kResult(id), pebble.Sync)
}

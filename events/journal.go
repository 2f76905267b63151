package events

import (
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"stablecore/engine"
)

var bucketEvents = []byte("events")

// Record is one journalled engine event with its assigned sequence number.
type Record struct {
	Sequence   uint64            `json:"sequence"`
	Timestamp  time.Time         `json:"timestamp"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Journal is an append-only BoltDB log of engine events. It satisfies the
// engine's emitter contract; emission happens after the originating
// operation has committed, so a write failure here is logged and dropped
// rather than unwinding ledger state.
type Journal struct {
	db     *bolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open initialises the journal at path, creating the file and bucket as
// needed.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger, now: time.Now}, nil
}

// Close releases the underlying Bolt database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append journals the event and returns its sequence number.
func (j *Journal) Append(evt engine.Event) (uint64, error) {
	var seq uint64
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		next, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		record := Record{
			Sequence:   next,
			Timestamp:  j.now().UTC(),
			Type:       evt.Type,
			Attributes: evt.Attributes,
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		seq = next
		return bucket.Put(sequenceKey(next), payload)
	})
	return seq, err
}

// Emit implements the engine emitter contract.
func (j *Journal) Emit(evt engine.Event) {
	if _, err := j.Append(evt); err != nil {
		j.logger.Error("journal append failed", "type", evt.Type, "error", err)
	}
}

// Tail returns up to limit of the most recent records, oldest first.
func (j *Journal) Tail(limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		for k, v := cursor.Last(); k != nil && len(out) < limit; k, v = cursor.Prev() {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			out = append(out, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, jdx := 0, len(out)-1; i < jdx; i, jdx = i+1, jdx-1 {
		out[i], out[jdx] = out[jdx], out[i]
	}
	return out, nil
}

// Since returns every record with a sequence strictly greater than seq, in
// order, capped at limit (0 means no cap).
func (j *Journal) Since(seq uint64, limit int) ([]Record, error) {
	var out []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		for k, v := cursor.Seek(sequenceKey(seq + 1)); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			out = append(out, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

package state

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"stablecore/storage"
)

// KV is the narrow state surface exposed to ledger code. Values are
// rlp-encoded on write and decoded into out on read; a false return from
// KVGet signals an absent key rather than an error.
type KV interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Manager wraps a storage.Database with rlp encoding and hands out
// transactional overlays for atomic multi-key mutations.
type Manager struct {
	mu sync.Mutex
	db storage.Database
}

// NewManager constructs a Manager over the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// KVGet decodes the stored value for key into out. The boolean reports
// whether the key exists.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out != nil {
		if err := rlp.DecodeBytes(raw, out); err != nil {
			return false, err
		}
	}
	return true, nil
}

// KVPut rlp-encodes value and writes it under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// KVDelete removes the key. Deleting an absent key is not an error.
func (m *Manager) KVDelete(key []byte) error {
	return m.db.Delete(key)
}

// Begin opens a buffered overlay over the manager. Reads fall through to the
// underlying database for keys the overlay has not touched; writes stay in
// the overlay until Commit.
func (m *Manager) Begin() *Tx {
	return &Tx{parent: m, writes: make(map[string]pendingWrite)}
}

type pendingWrite struct {
	value   []byte
	deleted bool
}

// Tx is a write-buffered view of the manager. It is not safe for concurrent
// use; the engine serializes operations before opening one.
type Tx struct {
	parent *Manager
	writes map[string]pendingWrite
	done   bool
}

var errTxDone = errors.New("state: transaction already committed or discarded")

func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if tx.done {
		return false, errTxDone
	}
	if pending, ok := tx.writes[string(key)]; ok {
		if pending.deleted {
			return false, nil
		}
		if out != nil {
			if err := rlp.DecodeBytes(pending.value, out); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return tx.parent.KVGet(key, out)
}

func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if tx.done {
		return errTxDone
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	tx.writes[string(key)] = pendingWrite{value: encoded}
	return nil
}

func (tx *Tx) KVDelete(key []byte) error {
	if tx.done {
		return errTxDone
	}
	tx.writes[string(key)] = pendingWrite{deleted: true}
	return nil
}

// Commit flushes every buffered write to the underlying database in a single
// batch, so a failing flush leaves the database untouched. The overlay
// becomes unusable afterwards.
func (tx *Tx) Commit() error {
	if tx.done {
		return errTxDone
	}
	tx.parent.mu.Lock()
	defer tx.parent.mu.Unlock()
	batch := new(storage.Batch)
	for key, pending := range tx.writes {
		if pending.deleted {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), pending.value)
	}
	if err := tx.parent.db.Write(batch); err != nil {
		return err
	}
	tx.done = true
	return nil
}

// Discard drops every buffered write. Safe to call after Commit.
func (tx *Tx) Discard() {
	tx.done = true
	tx.writes = nil
}

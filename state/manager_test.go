package state

import (
	"errors"
	"math/big"
	"testing"

	"stablecore/storage"
)

var errBrokenWrite = errors.New("write refused")

type record struct {
	Name   string
	Amount *big.Int
}

func TestManagerRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())

	if err := m.KVPut([]byte("rec/1"), &record{Name: "one", Amount: big.NewInt(42)}); err != nil {
		t.Fatalf("put: %v", err)
	}

	var out record
	ok, err := m.KVGet([]byte("rec/1"), &out)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if out.Name != "one" || out.Amount.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("unexpected record: %+v", out)
	}

	ok, err = m.KVGet([]byte("rec/2"), &out)
	if err != nil {
		t.Fatalf("missing get: %v", err)
	}
	if ok {
		t.Fatal("expected missing key")
	}
}

func TestTxBuffersUntilCommit(t *testing.T) {
	m := NewManager(storage.NewMemDB())

	tx := m.Begin()
	if err := tx.KVPut([]byte("rec/1"), &record{Name: "pending", Amount: big.NewInt(7)}); err != nil {
		t.Fatalf("tx put: %v", err)
	}

	// Overlay read sees the pending write.
	var out record
	ok, err := tx.KVGet([]byte("rec/1"), &out)
	if err != nil || !ok {
		t.Fatalf("tx get: ok=%v err=%v", ok, err)
	}
	if out.Name != "pending" {
		t.Fatalf("unexpected overlay value: %+v", out)
	}

	// Base manager must not see it before commit.
	if ok, _ := m.KVGet([]byte("rec/1"), nil); ok {
		t.Fatal("write leaked before commit")
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if ok, _ := m.KVGet([]byte("rec/1"), &out); !ok {
		t.Fatal("write missing after commit")
	}
}

func TestTxDiscardDropsWrites(t *testing.T) {
	m := NewManager(storage.NewMemDB())

	tx := m.Begin()
	if err := tx.KVPut([]byte("rec/1"), &record{Name: "gone", Amount: big.NewInt(1)}); err != nil {
		t.Fatalf("tx put: %v", err)
	}
	tx.Discard()

	if ok, _ := m.KVGet([]byte("rec/1"), nil); ok {
		t.Fatal("discarded write reached the database")
	}
	if err := tx.Commit(); err == nil {
		t.Fatal("expected commit after discard to fail")
	}
}

// brokenDB refuses batch writes so tests can observe commit failure.
type brokenDB struct {
	*storage.MemDB
	writeErr error
}

func (db *brokenDB) Write(batch *storage.Batch) error {
	if db.writeErr != nil {
		return db.writeErr
	}
	return db.MemDB.Write(batch)
}

func TestTxCommitAtomicOnWriteFailure(t *testing.T) {
	mem := storage.NewMemDB()
	m := NewManager(mem)
	if err := m.KVPut([]byte("rec/1"), &record{Name: "base", Amount: big.NewInt(1)}); err != nil {
		t.Fatalf("put: %v", err)
	}

	broken := &brokenDB{MemDB: mem, writeErr: errBrokenWrite}
	failing := NewManager(broken)
	tx := failing.Begin()
	if err := tx.KVPut([]byte("rec/1"), &record{Name: "half", Amount: big.NewInt(2)}); err != nil {
		t.Fatalf("tx put: %v", err)
	}
	if err := tx.KVPut([]byte("rec/2"), &record{Name: "half", Amount: big.NewInt(3)}); err != nil {
		t.Fatalf("tx put: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatal("expected commit against broken database to fail")
	}

	// Nothing from the failed flush may reach the backing store.
	var out record
	ok, err := m.KVGet([]byte("rec/1"), &out)
	if err != nil || !ok {
		t.Fatalf("get rec/1: ok=%v err=%v", ok, err)
	}
	if out.Name != "base" || out.Amount.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("base record mutated by failed commit: %+v", out)
	}
	if ok, _ := m.KVGet([]byte("rec/2"), nil); ok {
		t.Fatal("failed commit leaked a new key")
	}

	// A second commit attempt after the failure can still succeed once the
	// database recovers.
	broken.writeErr = nil
	if err := tx.Commit(); err != nil {
		t.Fatalf("retry commit: %v", err)
	}
	if ok, _ := m.KVGet([]byte("rec/2"), nil); !ok {
		t.Fatal("retried commit missing write")
	}
}

func TestTxDeleteShadowsBase(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	if err := m.KVPut([]byte("rec/1"), &record{Name: "base", Amount: big.NewInt(1)}); err != nil {
		t.Fatalf("put: %v", err)
	}

	tx := m.Begin()
	if err := tx.KVDelete([]byte("rec/1")); err != nil {
		t.Fatalf("tx delete: %v", err)
	}
	if ok, _ := tx.KVGet([]byte("rec/1"), nil); ok {
		t.Fatal("overlay still sees deleted key")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if ok, _ := m.KVGet([]byte("rec/1"), nil); ok {
		t.Fatal("base still holds deleted key")
	}
}

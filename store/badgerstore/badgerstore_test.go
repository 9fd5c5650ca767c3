package badgerstore

import (
	"os"
	"testing"

	"splitstore/store"
	"splitstore/store/storetest"
)

func TestInMemoryBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		db, err := Open(InMemoryConfig())
		if err != nil {
			t.Fatalf("failed to open badger: %v", err)
		}
		return db
	})
}

func TestPersistentReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "badgerstore-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg := DefaultConfig(dir)
	cfg.SyncWrites = false
	cfg.GCInterval = 0

	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("failed to open badger: %v", err)
	}
	s := storetest.Structure("p1", "")
	if err := db.InsertStructure(t.Context(), s); err != nil {
		t.Fatalf("InsertStructure failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err = Open(cfg)
	if err != nil {
		t.Fatalf("failed to reopen badger: %v", err)
	}
	defer db.Close()
	got, err := db.GetStructure(t.Context(), "p1")
	if err != nil {
		t.Fatalf("GetStructure after reopen failed: %v", err)
	}
	if got.Root != s.Root {
		t.Errorf("unexpected root %v", got.Root)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("expected error without path")
	}
}

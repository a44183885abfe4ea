package sideload

import (
	"math/big"
	"testing"

	"github.com/ascrivener/corevm/pkg/coreerrors"
	"github.com/ascrivener/corevm/pkg/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSeekLE(t *testing.T) {
	store := openTestStore(t)
	tx := store.Begin()

	for block, gas := range map[uint64]int64{10: 100, 20: 200, 30: 300} {
		if err := Put(tx, block, big.NewInt(gas)); err != nil {
			t.Fatalf("Put(%d): %v", block, err)
		}
	}

	block, gas, err := SeekLE(tx, 25)
	if err != nil {
		t.Fatalf("SeekLE(25): %v", err)
	}
	if block != 20 || gas.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("SeekLE(25) = (%d, %s), want (20, 200)", block, gas)
	}

	block, gas, err = SeekLE(tx, 30)
	if err != nil {
		t.Fatalf("SeekLE(30): %v", err)
	}
	if block != 30 || gas.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("SeekLE(30) = (%d, %s), want (30, 300)", block, gas)
	}

	if _, _, err := SeekLE(tx, 5); !coreerrors.IsNotFound(err) {
		t.Fatalf("SeekLE(5): expected NotFound, got %v", err)
	}
}

func TestTruncateFrom(t *testing.T) {
	store := openTestStore(t)
	tx := store.Begin()

	for block, gas := range map[uint64]int64{10: 100, 20: 200, 30: 300} {
		if err := Put(tx, block, big.NewInt(gas)); err != nil {
			t.Fatalf("Put(%d): %v", block, err)
		}
	}

	if err := TruncateFrom(tx, 20); err != nil {
		t.Fatalf("TruncateFrom: %v", err)
	}

	block, gas, err := SeekLE(tx, 100)
	if err != nil {
		t.Fatalf("SeekLE after truncate: %v", err)
	}
	if block != 10 || gas.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("SeekLE after truncate = (%d, %s), want (10, 100)", block, gas)
	}
}

type cloneInt int

func (c cloneInt) Clone() cloneInt { return c }

func TestCacheGetUpperBound(t *testing.T) {
	cache := NewCache[cloneInt]()
	cache.Put(10, cloneInt(100))
	cache.Put(20, cloneInt(200))

	v, ok := cache.Get(15)
	if !ok || v != cloneInt(100) {
		t.Fatalf("Get(15) = (%v, %v), want (100, true)", v, ok)
	}

	v, ok = cache.Get(20)
	if !ok || v != cloneInt(200) {
		t.Fatalf("Get(20) = (%v, %v), want (200, true)", v, ok)
	}

	if _, ok := cache.Get(5); ok {
		t.Fatal("Get(5) below every cached block should miss")
	}
}

func TestCacheEvictsOutsideWindow(t *testing.T) {
	cache := NewCacheWithWindow[cloneInt](2)
	cache.Put(1, cloneInt(1))
	cache.Put(2, cloneInt(2))
	cache.Put(3, cloneInt(3))
	// Window is 2: once block 3 lands every entry with block < 3-2=1 is
	// evicted alongside anything with block > 3.
	cache.Put(10, cloneInt(10))

	if cache.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after a far-future Put evicts everything else", cache.Len())
	}
	if _, ok := cache.Get(10); !ok {
		t.Fatal("expected block 10 to remain cached")
	}
}

func TestCacheTruncateFrom(t *testing.T) {
	cache := NewCache[cloneInt]()
	cache.Put(1, cloneInt(1))
	cache.Put(2, cloneInt(2))
	cache.Put(3, cloneInt(3))

	cache.TruncateFrom(2)

	if cache.Len() != 1 {
		t.Fatalf("Len after TruncateFrom(2) = %d, want 1", cache.Len())
	}
	// Get is an upper-bound lookup, so with block 2 gone Get(2) serves block 1.
	if v, ok := cache.Get(2); !ok || v != cloneInt(1) {
		t.Fatalf("Get(2) = (%v, %v), want (1, true): block 2 should have been truncated", v, ok)
	}
	if _, ok := cache.Get(1); !ok {
		t.Fatal("block 1 should survive TruncateFrom(2)")
	}
}

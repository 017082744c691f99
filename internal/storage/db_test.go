package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// testDB runs the shared test suite against a DB implementation.
func testDB(t *testing.T, db DB) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		err := db.Put([]byte("key1"), []byte("value1"))
		if err != nil {
			t.Fatalf("Put() error: %v", err)
		}

		val, err := db.Get([]byte("key1"))
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if !bytes.Equal(val, []byte("value1")) {
			t.Errorf("Get() = %q, want %q", val, "value1")
		}
	})

	t.Run("GetNonexistent", func(t *testing.T) {
		_, err := db.Get([]byte("nonexistent"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() for missing key error = %v, want ErrNotFound", err)
		}
	})

	t.Run("Has", func(t *testing.T) {
		db.Put([]byte("exists"), []byte("yes"))

		ok, err := db.Has([]byte("exists"))
		if err != nil {
			t.Fatalf("Has() error: %v", err)
		}
		if !ok {
			t.Error("Has() = false for existing key")
		}

		ok, err = db.Has([]byte("missing"))
		if err != nil {
			t.Fatalf("Has() error: %v", err)
		}
		if ok {
			t.Error("Has() = true for missing key")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		db.Put([]byte("ow"), []byte("first"))
		db.Put([]byte("ow"), []byte("second"))

		val, err := db.Get([]byte("ow"))
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if !bytes.Equal(val, []byte("second")) {
			t.Errorf("Get() after overwrite = %q, want %q", val, "second")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		db.Put([]byte("del"), []byte("value"))

		err := db.Delete([]byte("del"))
		if err != nil {
			t.Fatalf("Delete() error: %v", err)
		}

		ok, _ := db.Has([]byte("del"))
		if ok {
			t.Error("key should be gone after Delete()")
		}

		_, err = db.Get([]byte("del"))
		if err == nil {
			t.Error("Get() after Delete() should return error")
		}
	})

	t.Run("DeleteNonexistent", func(t *testing.T) {
		// Deleting a nonexistent key should not error.
		err := db.Delete([]byte("never-existed"))
		if err != nil {
			t.Errorf("Delete() nonexistent key error: %v", err)
		}
	})

	t.Run("EmptyValue", func(t *testing.T) {
		err := db.Put([]byte("empty"), []byte{})
		if err != nil {
			t.Fatalf("Put() empty value error: %v", err)
		}

		val, err := db.Get([]byte("empty"))
		if err != nil {
			t.Fatalf("Get() empty value error: %v", err)
		}
		if len(val) != 0 {
			t.Errorf("expected empty value, got %d bytes", len(val))
		}
	})

	t.Run("BinaryData", func(t *testing.T) {
		key := []byte{0x00, 0x01, 0xFF}
		value := make([]byte, 256)
		for i := range value {
			value[i] = byte(i)
		}

		err := db.Put(key, value)
		if err != nil {
			t.Fatalf("Put() binary error: %v", err)
		}

		got, err := db.Get(key)
		if err != nil {
			t.Fatalf("Get() binary error: %v", err)
		}
		if !bytes.Equal(got, value) {
			t.Error("binary roundtrip failed")
		}
	})

	t.Run("ForEach", func(t *testing.T) {
		db.Put([]byte("prefix/a"), []byte("1"))
		db.Put([]byte("prefix/b"), []byte("2"))
		db.Put([]byte("prefix/c"), []byte("3"))
		db.Put([]byte("other/x"), []byte("4"))

		var count int
		err := db.ForEach([]byte("prefix/"), func(key, value []byte) error {
			count++
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach() error: %v", err)
		}
		if count != 3 {
			t.Errorf("ForEach(prefix/) count = %d, want 3", count)
		}
	})

	t.Run("ForEachOrdered", func(t *testing.T) {
		db.Put([]byte("ord/2"), []byte("b"))
		db.Put([]byte("ord/1"), []byte("a"))
		db.Put([]byte("ord/3"), []byte("c"))

		var got []string
		db.ForEach([]byte("ord/"), func(key, value []byte) error {
			got = append(got, string(value))
			return nil
		})
		if fmt.Sprint(got) != "[a b c]" {
			t.Errorf("ForEach(ord/) order = %v, want [a b c]", got)
		}
	})

	t.Run("UpdateCommit", func(t *testing.T) {
		err := db.Update(func(txn Txn) error {
			if err := txn.Put([]byte("tx/a"), []byte("1")); err != nil {
				return err
			}
			// Reads inside the transaction see its own writes.
			v, err := txn.Get([]byte("tx/a"))
			if err != nil {
				return err
			}
			if string(v) != "1" {
				return fmt.Errorf("read-your-write = %q", v)
			}
			return txn.Put([]byte("tx/b"), []byte("2"))
		})
		if err != nil {
			t.Fatalf("Update() error: %v", err)
		}
		for _, k := range []string{"tx/a", "tx/b"} {
			if ok, _ := db.Has([]byte(k)); !ok {
				t.Errorf("%s missing after commit", k)
			}
		}
	})

	t.Run("UpdateRollback", func(t *testing.T) {
		db.Put([]byte("rb/keep"), []byte("old"))
		boom := errors.New("boom")
		err := db.Update(func(txn Txn) error {
			txn.Put([]byte("rb/keep"), []byte("new"))
			txn.Put([]byte("rb/new"), []byte("x"))
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Update() error = %v, want boom", err)
		}
		v, _ := db.Get([]byte("rb/keep"))
		if string(v) != "old" {
			t.Errorf("rb/keep = %q after rollback, want old", v)
		}
		if ok, _ := db.Has([]byte("rb/new")); ok {
			t.Error("rb/new visible after rollback")
		}
	})

	t.Run("UpdateDeleteAndIterate", func(t *testing.T) {
		db.Put([]byte("it/1"), []byte("a"))
		db.Put([]byte("it/2"), []byte("b"))
		err := db.Update(func(txn Txn) error {
			txn.Delete([]byte("it/1"))
			txn.Put([]byte("it/3"), []byte("c"))
			var keys []string
			txn.ForEach([]byte("it/"), func(key, _ []byte) error {
				keys = append(keys, string(key))
				return nil
			})
			if fmt.Sprint(keys) != "[it/2 it/3]" {
				return fmt.Errorf("txn ForEach keys = %v", keys)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Update() error: %v", err)
		}
	})

	t.Run("ForEachEmpty", func(t *testing.T) {
		var count int
		err := db.ForEach([]byte("nonexistent/"), func(key, value []byte) error {
			count++
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach() error: %v", err)
		}
		if count != 0 {
			t.Errorf("ForEach(nonexistent/) count = %d, want 0", count)
		}
	})
}

func TestMemoryDB(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB_Persistence(t *testing.T) {
	dir := t.TempDir()

	// Write data.
	db1, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	db1.Put([]byte("persist"), []byte("data"))
	db1.Close()

	// Reopen and read.
	db2, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() reopen error: %v", err)
	}
	defer db2.Close()

	val, err := db2.Get([]byte("persist"))
	if err != nil {
		t.Fatalf("Get() after reopen error: %v", err)
	}
	if !bytes.Equal(val, []byte("data")) {
		t.Errorf("persisted value = %q, want %q", val, "data")
	}
}

// insertUnique is the check-then-insert pattern the ledger relies on.
func insertUnique(db DB, key []byte) error {
	return db.Update(func(txn Txn) error {
		ok, err := txn.Has(key)
		if err != nil {
			return err
		}
		if ok {
			return errExists
		}
		return txn.Put(key, []byte("owner"))
	})
}

var errExists = errors.New("exists")

func testUniqueInsertRace(t *testing.T, db DB) {
	t.Helper()
	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := insertUnique(db, []byte("race/key"))
			switch {
			case err == nil:
				mu.Lock()
				winners++
				mu.Unlock()
			case errors.Is(err, errExists), errors.Is(err, ErrConflict):
			default:
				t.Errorf("insertUnique() unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestMemoryDB_UniqueInsertRace(t *testing.T) {
	testUniqueInsertRace(t, NewMemory())
}

func TestBadgerDB_UniqueInsertRace(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()
	testUniqueInsertRace(t, db)
}

type conflictingDB struct {
	*MemoryDB
	failures int
	calls    int
}

func (c *conflictingDB) Update(fn func(txn Txn) error) error {
	c.calls++
	if c.calls <= c.failures {
		return fmt.Errorf("%w: injected", ErrConflict)
	}
	return c.MemoryDB.Update(fn)
}

func TestUpdateRetry(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		attempts int
		wantErr  bool
	}{
		{"no conflict", 0, 3, false},
		{"recovers", 2, 3, false},
		{"exhausted", 3, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &conflictingDB{MemoryDB: NewMemory(), failures: tt.failures}
			err := UpdateRetry(db, tt.attempts, func(txn Txn) error {
				return txn.Put([]byte("k"), []byte("v"))
			})
			if tt.wantErr {
				if !errors.Is(err, ErrConflict) {
					t.Fatalf("UpdateRetry() error = %v, want ErrConflict", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdateRetry() error: %v", err)
			}
			if ok, _ := db.Has([]byte("k")); !ok {
				t.Error("write missing after retry")
			}
		})
	}
}

package kvsbackend

import (
	"fmt"
	"path/filepath"
	"testing"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	dir := t.TempDir()
	b, err := Open(filepath.Join(dir, "test.db"), []KeySpaceOptions{
		{Name: "main", PrefixLen: 4},
		{Name: "large", PrefixLen: 4},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPutGetDelete(t *testing.T) {
	b := openTestBackend(t)

	tx, err := b.BeginTx(true)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := tx.Put("main", []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, err = b.BeginTx(false)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	v, found, err := tx.Get("main", []byte("k1"))
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if string(v) != "v1" {
		t.Fatalf("Get = %q, want v1", v)
	}
	_ = tx.Rollback()

	tx, _ = b.BeginTx(true)
	if err := tx.Delete("main", []byte("k1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, _ = b.BeginTx(false)
	_, found, _ = tx.Get("main", []byte("k1"))
	if found {
		t.Fatal("expected key to be deleted")
	}
	_ = tx.Rollback()
}

func TestPrefixDeleteAndProbe(t *testing.T) {
	b := openTestBackend(t)

	tx, _ := b.BeginTx(true)
	for i := 0; i < 5; i++ {
		key := append([]byte{0, 0, 0, 1}, byte(i))
		if err := tx.Put("main", key, []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		key := append([]byte{0, 0, 0, 2}, byte(i))
		if err := tx.Put("main", key, []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, _ = b.BeginTx(false)
	pc, _, _, err := tx.PrefixProbe("main", []byte{0, 0, 0, 1})
	if err != nil {
		t.Fatalf("PrefixProbe: %v", err)
	}
	if pc != ProbeMany {
		t.Fatalf("PrefixProbe = %v, want ProbeMany", pc)
	}
	_ = tx.Rollback()

	tx, _ = b.BeginTx(true)
	n, err := tx.PrefixDelete("main", []byte{0, 0, 0, 1})
	if err != nil {
		t.Fatalf("PrefixDelete: %v", err)
	}
	if n != 5 {
		t.Fatalf("PrefixDelete removed %d, want 5", n)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, _ = b.BeginTx(false)
	pc, _, _, err = tx.PrefixProbe("main", []byte{0, 0, 0, 2})
	if err != nil {
		t.Fatalf("PrefixProbe: %v", err)
	}
	if pc != ProbeMany {
		t.Fatalf("PrefixProbe = %v, want ProbeMany (untouched prefix)", pc)
	}
	_ = tx.Rollback()
}

func TestTryBeginTxConflict(t *testing.T) {
	b := openTestBackend(t)

	tx1, err := b.BeginTx(true)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	defer func() { _ = tx1.Rollback() }()

	_, err = b.TryBeginTx(true)
	if err != ErrWriteConflict {
		t.Fatalf("TryBeginTx = %v, want ErrWriteConflict", err)
	}
}

func TestCursorForwardReverse(t *testing.T) {
	b := openTestBackend(t)

	tx, _ := b.BeginTx(true)
	for i := 0; i < 10; i++ {
		key := append([]byte{0, 0, 0, 9}, byte(i))
		if err := tx.Put("main", key, []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, _ = b.BeginTx(false)
	defer func() { _ = tx.Rollback() }()

	fwd, err := tx.NewCursor("main", []byte{0, 0, 0, 9}, true)
	if err != nil {
		t.Fatalf("NewCursor: %v", err)
	}
	count := 0
	var last byte
	for fwd.Valid() {
		k := fwd.Key()
		if count > 0 && k[len(k)-1] <= last {
			t.Fatalf("forward cursor not increasing: prev=%d cur=%d", last, k[len(k)-1])
		}
		last = k[len(k)-1]
		count++
		fwd.Next()
	}
	if count != 10 {
		t.Fatalf("forward cursor saw %d keys, want 10", count)
	}

	rev, err := tx.NewCursor("main", []byte{0, 0, 0, 9}, false)
	if err != nil {
		t.Fatalf("NewCursor: %v", err)
	}
	count = 0
	for rev.Valid() {
		k := rev.Key()
		if count > 0 && k[len(k)-1] >= last {
			t.Fatalf("reverse cursor not decreasing: prev=%d cur=%d", last, k[len(k)-1])
		}
		last = k[len(k)-1]
		count++
		rev.Next()
	}
	if count != 10 {
		t.Fatalf("reverse cursor saw %d keys, want 10", count)
	}
}

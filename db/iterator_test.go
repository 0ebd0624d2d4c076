package db

import (
	"bytes"
	"testing"
)

func collectIterator(t *testing.T, it *Iterator) map[string]string {
	t.Helper()
	got := make(map[string]string)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		got[string(it.Key())] = string(it.Value())
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	return got
}

func TestIteratorBasic(t *testing.T) {
	d := openTestDB(t, DefaultOptions())

	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		if err := d.Put(DefaultWriteOptions(), []byte(k), []byte(v)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	it := d.NewIterator(DefaultReadOptions())
	got := collectIterator(t, it)

	if len(got) != len(want) {
		t.Fatalf("got %d keys, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("key %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestIteratorAscendingOrder(t *testing.T) {
	d := openTestDB(t, DefaultOptions())

	keys := []string{"c", "a", "b"}
	for _, k := range keys {
		if err := d.Put(DefaultWriteOptions(), []byte(k), []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	it := d.NewIterator(DefaultReadOptions())
	var order []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		order = append(order, string(it.Key()))
	}

	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestIteratorSkipsDeletedKeys(t *testing.T) {
	d := openTestDB(t, DefaultOptions())

	if err := d.Put(DefaultWriteOptions(), []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Put(DefaultWriteOptions(), []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Delete(DefaultWriteOptions(), []byte("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got := collectIterator(t, d.NewIterator(DefaultReadOptions()))
	if _, ok := got["a"]; ok {
		t.Error("deleted key should not appear in iteration")
	}
	if got["b"] != "2" {
		t.Errorf("b = %q, want %q", got["b"], "2")
	}
}

func TestIteratorNewestVersionWins(t *testing.T) {
	d := openTestDB(t, DefaultOptions())

	if err := d.Put(DefaultWriteOptions(), []byte("k"), []byte("old")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Flush(DefaultFlushOptions()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := d.Put(DefaultWriteOptions(), []byte("k"), []byte("new")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got := collectIterator(t, d.NewIterator(DefaultReadOptions()))
	if got["k"] != "new" {
		t.Errorf("k = %q, want %q", got["k"], "new")
	}
	if len(got) != 1 {
		t.Errorf("got %d keys, want 1 (no duplicate across mem/imm)", len(got))
	}
}

func TestIteratorAcrossFlushedMemtables(t *testing.T) {
	d := openTestDB(t, DefaultOptions())

	if err := d.Put(DefaultWriteOptions(), []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Flush(DefaultFlushOptions()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := d.Put(DefaultWriteOptions(), []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Flush(DefaultFlushOptions()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := d.Put(DefaultWriteOptions(), []byte("c"), []byte("3")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got := collectIterator(t, d.NewIterator(DefaultReadOptions()))
	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("key %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestIteratorRespectsSnapshot(t *testing.T) {
	d := openTestDB(t, DefaultOptions())

	if err := d.Put(DefaultWriteOptions(), []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	snap := d.GetSnapshot()
	defer d.ReleaseSnapshot(snap)

	if err := d.Put(DefaultWriteOptions(), []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	readOpts := DefaultReadOptions()
	readOpts.Snapshot = snap
	got := collectIterator(t, d.NewIterator(readOpts))

	if _, ok := got["b"]; ok {
		t.Error("key written after snapshot should not be visible")
	}
	if got["a"] != "1" {
		t.Errorf("a = %q, want %q", got["a"], "1")
	}
}

func TestIteratorEmptyDatabase(t *testing.T) {
	d := openTestDB(t, DefaultOptions())

	it := d.NewIterator(DefaultReadOptions())
	it.SeekToFirst()
	if it.Valid() {
		t.Error("empty database iterator should not be valid")
	}
}

func TestIteratorReturnsRawMergeOperands(t *testing.T) {
	opts := DefaultOptions()
	opts.MergeOperator = concatMergeOperator{}
	d := openTestDB(t, opts)

	if err := d.Merge(DefaultWriteOptions(), []byte("k"), []byte("x")); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	it := d.NewIterator(DefaultReadOptions())
	it.SeekToFirst()
	if !it.Valid() {
		t.Fatal("iterator should see the merge operand's key")
	}
	if !bytes.Equal(it.Value(), []byte("x")) {
		t.Errorf("Value() = %q, want raw operand %q", it.Value(), "x")
	}
}

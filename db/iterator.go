package db

import (
	"container/heap"

	"github.com/lsmkv/lsmkv/internal/dbformat"
	"github.com/lsmkv/lsmkv/internal/memtable"
	"github.com/lsmkv/lsmkv/internal/testutil"
)

// Iterator walks every visible key in the default column family's
// memtables in ascending user-key order, merging the mutable memtable with
// however many sealed ones are still resident. There is no SST tier in
// this package, so this exists only to let callers validate that writes
// landed, not as a general-purpose range scan: it does not support
// reverse iteration, and merge operands are returned as-is rather than
// resolved through a MergeOperator (use Get for that).
//
// Reference: RocksDB v10.7.5 table/merging_iterator.cc
type Iterator struct {
	cmp     Comparator
	seq     dbformat.SequenceNumber
	sources []*memtable.MemTableIterator
	h       iterHeap
	lastKey []byte

	key   []byte
	value []byte
	valid bool
}

type heapItem struct {
	idx int
	key []byte
	seq dbformat.SequenceNumber
}

type iterHeap struct {
	items []heapItem
	cmp   Comparator
}

func (h iterHeap) Len() int { return len(h.items) }
func (h iterHeap) Less(i, j int) bool {
	c := h.cmp.Compare(h.items[i].key, h.items[j].key)
	if c != 0 {
		return c < 0
	}
	return h.items[i].seq > h.items[j].seq
}
func (h iterHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *iterHeap) Push(x any)   { h.items = append(h.items, x.(heapItem)) }
func (h *iterHeap) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	return it
}

// NewIterator returns an iterator over the default column family as it
// appears at opts.Snapshot, or at the current sequence number if none is
// given.
func (db *DBImpl) NewIterator(opts ReadOptions) *Iterator {
	cfd := db.cfSet.getDefault()
	seq := dbformat.SequenceNumber(db.nextSeq.Load())
	if opts.Snapshot != nil {
		seq = opts.Snapshot.seq
	}

	cfd.memMu.RLock()
	defer cfd.memMu.RUnlock()

	it := &Iterator{cmp: cfd.options.Comparator, seq: seq}
	it.sources = append(it.sources, cfd.mem.NewIterator())
	for i := len(cfd.imm) - 1; i >= 0; i-- {
		it.sources = append(it.sources, cfd.imm[i].NewIterator())
	}
	it.h.cmp = it.cmp
	return it
}

// SeekToFirst positions the iterator at the first visible key.
func (it *Iterator) SeekToFirst() {
	_ = testutil.SP(testutil.SPIteratorSeek)
	it.h.items = it.h.items[:0]
	it.lastKey = nil
	for i, s := range it.sources {
		s.SeekToFirst()
		it.pushValid(i, s)
	}
	heap.Init(&it.h)
	it.advance()
}

func (it *Iterator) pushValid(idx int, s *memtable.MemTableIterator) {
	for s.Valid() {
		if s.Sequence() <= it.seq {
			heap.Push(&it.h, heapItem{idx: idx, key: s.UserKey(), seq: s.Sequence()})
			return
		}
		s.Next()
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current user key, valid until the next Next call.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.value }

// Next advances to the next visible key, skipping any user key already
// returned (the newest source among ties wins) and any key whose newest
// visible version is a deletion.
func (it *Iterator) Next() {
	it.advance()
}

func (it *Iterator) advance() {
	_ = testutil.SP(testutil.SPIteratorNext)
	for it.h.Len() > 0 {
		top := it.h.items[0]
		s := it.sources[top.idx]

		if it.lastKey != nil && it.cmp.Compare(top.key, it.lastKey) == 0 {
			heap.Pop(&it.h)
			s.Next()
			it.pushValid(top.idx, s)
			continue
		}

		key := append([]byte{}, top.key...)
		typ := s.Type()
		value := append([]byte{}, s.Value()...)
		heap.Pop(&it.h)
		s.Next()
		it.pushValid(top.idx, s)

		it.lastKey = key
		if typ == dbformat.TypeDeletion || typ == dbformat.TypeSingleDeletion {
			continue
		}
		it.key, it.value, it.valid = key, value, true
		return
	}
	it.valid = false
}

// Error reports the first error observed from an underlying source, if any.
func (it *Iterator) Error() error {
	for _, s := range it.sources {
		if err := s.Error(); err != nil {
			return err
		}
	}
	return nil
}

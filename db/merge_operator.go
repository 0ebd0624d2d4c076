package db

import (
	"encoding/binary"
)

// MergeOperator defines an associative, commutative-or-not merge over a
// key's accumulated operand list, invoked when Get or flush/compaction
// needs to resolve a chain of Merge records into a single value.
//
// Reference: RocksDB v10.7.5 include/rocksdb/merge_operator.h
type MergeOperator interface {
	Name() string

	// FullMerge combines existingValue (may be nil, if the key had no
	// prior Put) with every queued operand, in order, producing the
	// resolved value.
	FullMerge(key, existingValue []byte, operands [][]byte) ([]byte, bool)

	// PartialMerge optionally combines two adjacent operands into one,
	// without needing existingValue. Returning ok == false tells the
	// caller to keep both operands queued.
	PartialMerge(key, left, right []byte) ([]byte, bool)
}

// AssociativeMergeOperator is the simpler interface for operators where
// Merge is applied pairwise in any order.
type AssociativeMergeOperator interface {
	Name() string
	Merge(key, existingValue, value []byte) ([]byte, bool)
}

// AssociativeMergeOperatorAdapter lifts an AssociativeMergeOperator into a
// full MergeOperator by folding operands left to right.
type AssociativeMergeOperatorAdapter struct {
	Op AssociativeMergeOperator
}

func (a AssociativeMergeOperatorAdapter) Name() string { return a.Op.Name() }

func (a AssociativeMergeOperatorAdapter) FullMerge(key, existingValue []byte, operands [][]byte) ([]byte, bool) {
	value := existingValue
	for _, operand := range operands {
		merged, ok := a.Op.Merge(key, value, operand)
		if !ok {
			return nil, false
		}
		value = merged
	}
	return value, true
}

func (a AssociativeMergeOperatorAdapter) PartialMerge(key, left, right []byte) ([]byte, bool) {
	return a.Op.Merge(key, left, right)
}

// UInt64AddOperator merges little-endian uint64 operands by summation.
type UInt64AddOperator struct{}

func (UInt64AddOperator) Name() string { return "uint64add" }

func (UInt64AddOperator) Merge(_ []byte, existingValue, value []byte) ([]byte, bool) {
	var total uint64
	if len(existingValue) == 8 {
		total = binary.LittleEndian.Uint64(existingValue)
	}
	if len(value) == 8 {
		total += binary.LittleEndian.Uint64(value)
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, total)
	return out, true
}

// StringAppendOperator merges operands by concatenating them, separated
// by Delim.
type StringAppendOperator struct {
	Delim byte
}

func (StringAppendOperator) Name() string { return "stringappend" }

func (o StringAppendOperator) Merge(_ []byte, existingValue, value []byte) ([]byte, bool) {
	if len(existingValue) == 0 {
		return append([]byte{}, value...), true
	}
	out := make([]byte, 0, len(existingValue)+1+len(value))
	out = append(out, existingValue...)
	out = append(out, o.Delim)
	out = append(out, value...)
	return out, true
}

// MaxOperator merges operands by keeping the byte-lexicographically
// largest value seen.
type MaxOperator struct{}

func (MaxOperator) Name() string { return "max" }

func (MaxOperator) Merge(_ []byte, existingValue, value []byte) ([]byte, bool) {
	if bytesGreater(value, existingValue) {
		return append([]byte{}, value...), true
	}
	return append([]byte{}, existingValue...), true
}

func bytesGreater(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return len(a) > len(b)
}

package db

import (
	"time"

	"github.com/lsmkv/lsmkv/internal/checksum"
	"github.com/lsmkv/lsmkv/internal/compression"
	"github.com/lsmkv/lsmkv/internal/logging"
	"github.com/lsmkv/lsmkv/internal/vfs"
)

// Logger is re-exported so callers configuring Options don't need to
// import internal/logging directly.
type Logger = logging.Logger

// CompressionType selects the algorithm used to compress WAL payloads.
type CompressionType = compression.Type

const (
	CompressionNone   = compression.NoCompression
	CompressionSnappy = compression.SnappyCompression
)

// ChecksumType selects the checksum algorithm protecting WAL records.
type ChecksumType = checksum.Type

const (
	ChecksumCRC32C = checksum.TypeCRC32C
	ChecksumXXH3   = checksum.TypeXXH3
)

// Options configures a DBImpl at Open time.
//
// Reference: RocksDB v10.7.5 include/rocksdb/options.h, trimmed to the
// knobs relevant to the write-coordination path: no compaction style,
// SST block tuning, or pluggable-filesystem knobs survive here.
type Options struct {
	CreateIfMissing bool
	ErrorIfExists   bool
	ParanoidChecks  bool

	FS         vfs.FS
	Comparator Comparator

	WriteBufferSize      uint64
	MaxWriteBufferNumber int

	// WriteBufferManager, when set, overrides the per-DB memory cap
	// derived from WriteBufferSize * MaxWriteBufferNumber and is shared
	// across every column family that opts in.
	WriteBufferManager *WriteBufferManager

	ChecksumType ChecksumType

	// WALCompression compresses each batch group's merged payload before
	// it is appended to the write-ahead log. CompressionNone is the
	// default: an uncompressed WAL.
	WALCompression CompressionType

	MergeOperator MergeOperator
	RateLimiter   RateLimiter

	// AllowConcurrentMemtableWrites enables the parallel-run path: when
	// true, a batch group of 2+ writers targeting WAL-compatible options
	// applies its members' memtable writes concurrently instead of
	// serially on the leader. Column families with a memtable that does
	// not support concurrent insertion should not be mixed into the same
	// batch group when this is set; this implementation's skiplist
	// memtable supports one concurrent writer per column family, which
	// is sufficient since a parallel run never assigns two writers to the
	// same column family's memtable without synchronization external to
	// this package.
	AllowConcurrentMemtableWrites bool

	Logger Logger
}

// DefaultOptions returns the options used when a caller supplies none.
func DefaultOptions() Options {
	return Options{
		CreateIfMissing:               true,
		Comparator:                    DefaultComparator(),
		WriteBufferSize:               64 << 20,
		MaxWriteBufferNumber:          2,
		ChecksumType:                  ChecksumXXH3,
		WALCompression:                CompressionNone,
		AllowConcurrentMemtableWrites: true,
		FS:                            vfs.Default(),
		Logger:                        logging.NewDefaultLogger(logging.LevelInfo),
	}
}

// ReadOptions configures a single Get or iterator call.
type ReadOptions struct {
	VerifyChecksums bool
	FillCache       bool
	Snapshot        *Snapshot
}

// DefaultReadOptions returns the options used when a caller supplies none.
func DefaultReadOptions() ReadOptions {
	return ReadOptions{FillCache: true}
}

// WriteOptions configures a single Write call and, transitively, the
// Writer handed to the write-thread queue.
type WriteOptions struct {
	Sync       bool
	DisableWAL bool

	// Timeout bounds how long a follower will wait in the queue before
	// becoming leader or being absorbed. Zero means wait indefinitely.
	Timeout time.Duration

	// CommitCallback, when non-nil, is invoked after the write commits
	// (or fails) and marks the Writer HasCallback, which excludes it
	// from batch-group merging per the exclusion rules.
	CommitCallback func(err error)
}

// DefaultWriteOptions returns the options used when a caller supplies
// none.
func DefaultWriteOptions() WriteOptions {
	return WriteOptions{}
}

// FlushOptions configures an explicit Flush call.
type FlushOptions struct {
	Wait             bool
	AllowWriteStall  bool
}

// DefaultFlushOptions returns the options used when a caller supplies
// none.
func DefaultFlushOptions() FlushOptions {
	return FlushOptions{Wait: true}
}

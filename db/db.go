// Package db ties the write-coordination core in internal/writethread to a
// minimal, working key-value store: column families, a write-ahead log,
// write-buffer accounting, write stalls, and a flush scheduler.
//
// Reference: RocksDB v10.7.5 db/db_impl/db_impl_write.cc (DBImpl::WriteImpl)
package db

import (
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/lsmkv/lsmkv/internal/batch"
	"github.com/lsmkv/lsmkv/internal/checksum"
	"github.com/lsmkv/lsmkv/internal/compression"
	"github.com/lsmkv/lsmkv/internal/dbformat"
	"github.com/lsmkv/lsmkv/internal/logging"
	"github.com/lsmkv/lsmkv/internal/memtable"
	"github.com/lsmkv/lsmkv/internal/testutil"
	"github.com/lsmkv/lsmkv/internal/vfs"
	"github.com/lsmkv/lsmkv/internal/wal"
	"github.com/lsmkv/lsmkv/internal/writethread"
)

const walFileName = "000001.log"

// DBImpl is the embedded key-value store. It owns one write-ahead log, a
// set of column families, and the shared write-coordination queue that
// serializes and parallelizes writes across them.
type DBImpl struct {
	dirname string
	opts    Options

	cfSet *columnFamilySet

	writeThread *writethread.WriteThread

	walMu   sync.Mutex
	walFile vfs.WritableFile
	wal     *wal.Writer

	writeController    *WriteController
	writeBufferManager *WriteBufferManager
	flushScheduler     *flushScheduler
	background         *backgroundWork
	stats              *Statistics
	snapshots          *snapshotList

	nextSeq atomic.Uint64

	closed    atomic.Bool
	fatalStop atomic.Bool
	stopCh    chan struct{}
}

// Open creates or opens a database at dirname.
func Open(dirname string, opts Options) (*DBImpl, error) {
	if opts.FS == nil {
		opts.FS = vfs.Default()
	}
	if opts.Comparator == nil {
		opts.Comparator = DefaultComparator()
	}
	opts.Logger = logging.OrDefault(opts.Logger)

	_ = testutil.SP(testutil.SPDBOpen)

	if opts.CreateIfMissing {
		if err := opts.FS.MkdirAll(dirname, 0o755); err != nil {
			return nil, fmt.Errorf("db: creating directory: %w", err)
		}
	}

	db := &DBImpl{
		dirname:     dirname,
		opts:        opts,
		writeThread: writethread.NewWithLogger(opts.Logger),
		stopCh:      make(chan struct{}),
		stats:       NewStatistics(),
		background:  newBackgroundWork(),
		snapshots:   newSnapshotList(),
	}
	if setter, ok := opts.Logger.(interface {
		SetFatalHandler(logging.FatalHandler)
	}); ok {
		setter.SetFatalHandler(func(string) { db.fatalStop.Store(true) })
	}
	db.writeController = NewWriteController()
	if opts.WriteBufferManager != nil {
		db.writeBufferManager = opts.WriteBufferManager
	} else {
		cap := opts.WriteBufferSize * uint64(maxInt(opts.MaxWriteBufferNumber, 1))
		db.writeBufferManager = NewWriteBufferManager(cap, true)
	}

	db.cfSet = newColumnFamilySet(db, ColumnFamilyOptions{
		Comparator:           opts.Comparator,
		MergeOperator:        opts.MergeOperator,
		WriteBufferSize:      opts.WriteBufferSize,
		MaxWriteBufferNumber: opts.MaxWriteBufferNumber,
	})

	walPath := filepath.Join(dirname, walFileName)
	if opts.FS.Exists(walPath) {
		_ = testutil.SP(testutil.SPDBRecoverStart)
		if err := db.recoverWAL(walPath); err != nil {
			return nil, fmt.Errorf("db: recovering WAL: %w", err)
		}
		_ = testutil.SP(testutil.SPDBRecoverComplete)
	}

	walFile, err := opts.FS.Create(walPath)
	if err != nil {
		return nil, fmt.Errorf("db: creating WAL: %w", err)
	}
	db.walFile = walFile
	db.wal = wal.NewWriter(walFile, 1, false)

	testutil.MaybeKill(testutil.KPDirSync0)
	if err := opts.FS.SyncDir(dirname); err != nil {
		return nil, fmt.Errorf("db: syncing directory: %w", err)
	}
	testutil.MaybeKill(testutil.KPDirSync1)

	db.flushScheduler = newFlushScheduler(db, 4)
	go db.flushScheduler.run(db.stopCh)

	_ = testutil.SP(testutil.SPDBOpenComplete)
	return db, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// reverseOperands returns operands in oldest-to-newest order. Callers
// collect merge operands newest first during the memtable scan; the
// MergeOperator contract expects them chronological.
func reverseOperands(operands [][]byte) [][]byte {
	reversed := make([][]byte, len(operands))
	for i, op := range operands {
		reversed[len(operands)-1-i] = op
	}
	return reversed
}

// recoverWAL replays every record in an existing WAL file into the
// matching column families' memtables before the database accepts new
// writes, undoing whatever compression appendToWAL applied and verifying
// each record's payload checksum. db.nextSeq is left one past the highest
// sequence number any replayed record assigned.
//
// Reference: RocksDB v10.7.5 db/db_impl/db_impl_open.cc (DBImpl::RecoverLogFiles)
func (db *DBImpl) recoverWAL(path string) error {
	_ = testutil.SP(testutil.SPDBRecoverWALStart)
	defer func() { _ = testutil.SP(testutil.SPDBRecoverWALComplete) }()

	f, err := db.opts.FS.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := wal.NewReader(f, nil, true, 1)
	var maxSeq uint64
	for {
		record, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if len(record) < 5 {
			continue
		}

		payload := record[:len(record)-5]
		compressionByte := record[len(record)-5]
		wantSum := binary.LittleEndian.Uint32(record[len(record)-4:])
		if sum := checksum.ComputeChecksum(db.opts.ChecksumType, payload, compressionByte); sum != wantSum {
			return fmt.Errorf("db: WAL record checksum mismatch")
		}

		if compression.Type(compressionByte) != compression.NoCompression {
			payload, err = compression.Decompress(compression.Type(compressionByte), payload)
			if err != nil {
				return fmt.Errorf("db: decompressing WAL record: %w", err)
			}
		}

		wb, err := batch.NewFromData(payload)
		if err != nil {
			return fmt.Errorf("db: decoding WAL record: %w", err)
		}

		inserter := newMemtableInserter(db, dbformat.SequenceNumber(wb.Sequence()), make(writethread.CFDSet))
		if err := wb.Iterate(inserter); err != nil {
			return fmt.Errorf("db: replaying WAL record: %w", err)
		}

		if end := wb.Sequence() + uint64(wb.Count()); end > maxSeq {
			maxSeq = end
		}
	}
	db.nextSeq.Store(maxSeq)
	return nil
}

// Close flushes and releases resources. Writers blocked in Write are
// released with ErrDBClosed rather than left waiting.
func (db *DBImpl) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = testutil.SP(testutil.SPDBClose)

	db.writeController.ReleaseWriteStall()
	db.writeBufferManager.ReleaseStall()
	db.background.pause()
	close(db.stopCh)

	db.walMu.Lock()
	err := db.walFile.Close()
	db.walMu.Unlock()

	_ = testutil.SP(testutil.SPDBCloseComplete)
	return err
}

// Stats returns the database's write-path counters. Safe to call
// concurrently with writes; a caller that never touches it pays nothing
// since every RecordTick/GetTickerCount call tolerates a nil receiver.
func (db *DBImpl) Stats() *Statistics {
	return db.stats
}

// CreateColumnFamily creates and returns a handle for a new column family.
func (db *DBImpl) CreateColumnFamily(name string, opts ColumnFamilyOptions) (ColumnFamilyHandle, error) {
	cfd, err := db.cfSet.create(name, opts)
	if err != nil {
		return nil, err
	}
	return &columnFamilyHandle{id: cfd.id, name: cfd.name, valid: true}, nil
}

// DropColumnFamily removes a column family. The default column family
// cannot be dropped.
func (db *DBImpl) DropColumnFamily(handle ColumnFamilyHandle) error {
	return db.cfSet.drop(handle.Name())
}

// Put writes key/value to the default column family.
func (db *DBImpl) Put(opts WriteOptions, key, value []byte) error {
	wb := batch.New()
	wb.Put(key, value)
	return db.Write(opts, wb)
}

// Delete removes key from the default column family.
func (db *DBImpl) Delete(opts WriteOptions, key []byte) error {
	wb := batch.New()
	wb.Delete(key)
	return db.Write(opts, wb)
}

// Merge queues a merge operand for key in the default column family.
func (db *DBImpl) Merge(opts WriteOptions, key, value []byte) error {
	wb := batch.New()
	wb.Merge(key, value)
	return db.Write(opts, wb)
}

// Get reads the latest visible value for key in the default column family,
// resolving any queued merge operands through the configured
// MergeOperator.
func (db *DBImpl) Get(opts ReadOptions, key []byte) ([]byte, error) {
	_ = testutil.SP(testutil.SPDBGet)
	defer func() { _ = testutil.SP(testutil.SPDBGetComplete) }()

	cfd := db.cfSet.getDefault()
	seq := dbformat.SequenceNumber(db.nextSeq.Load())
	if opts.Snapshot != nil {
		seq = opts.Snapshot.seq
	}

	cfd.memMu.RLock()
	defer cfd.memMu.RUnlock()
	_ = testutil.SP(testutil.SPDBGetMemtable)

	// Search the mutable memtable, then sealed memtables newest first:
	// sealMemtable keeps a flushed memtable around rather than dropping it,
	// since there is no SST tier in this package to hold it instead.
	tables := make([]*memtable.MemTable, 0, len(cfd.imm)+1)
	tables = append(tables, cfd.mem)
	for i := len(cfd.imm) - 1; i >= 0; i-- {
		tables = append(tables, cfd.imm[i])
	}

	if cfd.options.MergeOperator == nil {
		for _, mt := range tables {
			value, found, deleted := mt.Get(key, seq)
			if deleted {
				return nil, ErrNotFound
			}
			if found {
				return value, nil
			}
		}
		return nil, ErrNotFound
	}

	// Each table's operands come back newest first; tables themselves are
	// visited newest (mutable) to oldest (sealed), so operands accumulates
	// newest to oldest throughout. FullMerge expects chronological order.
	var operands [][]byte
	for _, mt := range tables {
		base, ops, foundBase, deleted := mt.CollectMergeOperands(key, seq)
		operands = append(operands, ops...)
		if deleted {
			if len(operands) == 0 {
				return nil, ErrNotFound
			}
			merged, ok := cfd.options.MergeOperator.FullMerge(key, nil, reverseOperands(operands))
			if !ok {
				return nil, ErrNotFound
			}
			return merged, nil
		}
		if foundBase {
			merged, ok := cfd.options.MergeOperator.FullMerge(key, base, reverseOperands(operands))
			if !ok {
				return nil, ErrNotFound
			}
			return merged, nil
		}
	}
	if len(operands) == 0 {
		return nil, ErrNotFound
	}
	merged, ok := cfd.options.MergeOperator.FullMerge(key, nil, reverseOperands(operands))
	if !ok {
		return nil, ErrNotFound
	}
	return merged, nil
}

// Write is the sole entry point driving the write-coordination core end to
// end: it builds a Writer, enters the queue, and either returns an
// absorbed/promoted writer's outcome or, on the leader path, builds and
// commits a batch group.
//
// Reference: RocksDB v10.7.5 db/db_impl/db_impl_write.cc DBImpl::WriteImpl
func (db *DBImpl) Write(opts WriteOptions, wb *batch.WriteBatch) (err error) {
	_ = testutil.SP(testutil.SPDBWrite)
	if opts.CommitCallback != nil {
		defer func() { opts.CommitCallback(err) }()
	}
	defer func() { _ = testutil.SP(testutil.SPDBWriteComplete) }()

	if db.closed.Load() {
		return ErrDBClosed
	}
	if db.fatalStop.Load() {
		return ErrFatal
	}

	db.writeController.MaybeStallWrite(wb.Size())
	db.writeBufferManager.WaitIfStalled()

	if db.closed.Load() {
		return ErrDBClosed
	}

	w := writethread.NewWriter(wb, opts.Sync, opts.DisableWAL, opts.CommitCallback != nil, opts.Timeout)

	if enterErr := db.writeThread.Enter(w); enterErr != nil {
		db.stats.RecordTick(TickerWriteTimeouts, 1)
		return ErrTimedOut
	}

	if w.Done {
		return w.Status
	}

	if w.ParallelExecuteID > 0 {
		// w.ParallelExecuteID already holds this writer's first sequence
		// number, assigned by the leader in runParallel before it woke
		// this follower.
		firstSeq := dbformat.SequenceNumber(w.ParallelExecuteID)
		inserter := newMemtableInserter(db, firstSeq, w.CFDSet)
		_ = testutil.SP(testutil.SPDBWriteMemtable)
		w.Status = w.Batch.Iterate(inserter)
		_ = testutil.SP(testutil.SPDBWriteMemtableComplete)
		db.writeBufferManager.ReserveMem(uint64(w.Batch.Size()))
		needWake := db.writeThread.ReportParallelFinish()
		db.writeThread.EndParallelRun(w, needWake)
		return w.Status
	}

	return db.writeAsLeader(w)
}

// writeAsLeader builds the batch group, appends its merged payload to the
// WAL, then applies it either serially (the leader applies every group
// member's batch itself) or via the parallel-run protocol.
func (db *DBImpl) writeAsLeader(leader *writethread.Writer) error {
	group, lastWriter, _ := db.writeThread.BuildBatchGroup(leader)
	db.stats.RecordTick(TickerBatchGroupsFormed, 1)
	db.stats.RecordTick(TickerBatchGroupWriters, uint64(len(group)))

	merged := batch.GlobalPool().Get()
	totalCount := uint32(0)
	for _, w := range group {
		merged.Append(w.Batch)
		totalCount += w.Batch.Count()
	}

	// Sequence numbers start at 1 and db.nextSeq holds the last one
	// assigned, so a snapshot pinned at db.nextSeq excludes every write
	// whose sequence numbers are assigned after it.
	firstSeq := dbformat.SequenceNumber(db.nextSeq.Add(uint64(totalCount)) - uint64(totalCount) + 1)
	merged.SetSequence(uint64(firstSeq))

	digest := checksum.XXH3_64bits(merged.Data()[batch.HeaderSize:])
	db.opts.Logger.Debugf("batch group: leader=%p writers=%d records=%d firstSeq=%d parallel=%v digest=%016x",
		leader, len(group), totalCount, firstSeq, len(group) > 1 && db.opts.AllowConcurrentMemtableWrites, digest)

	err := db.appendToWAL(merged, leader.Sync, leader.DisableWAL)
	batch.GlobalPool().Put(merged)
	if err != nil {
		db.writeThread.Exit(leader, lastWriter, err)
		return err
	}

	if len(group) == 1 || !db.opts.AllowConcurrentMemtableWrites {
		return db.applySeriallyAndExit(group, lastWriter, firstSeq)
	}
	return db.runParallel(leader, lastWriter, firstSeq)
}

// applySeriallyAndExit applies every group member's batch on the leader's
// own goroutine, in order, then releases the whole group via Exit with a
// single shared status (matching RocksDB's non-parallel write path).
func (db *DBImpl) applySeriallyAndExit(group []*writethread.Writer, lastWriter *writethread.Writer, firstSeq dbformat.SequenceNumber) error {
	seq := firstSeq
	var status error
	for _, w := range group {
		inserter := newMemtableInserter(db, seq, w.CFDSet)
		if err := w.Batch.Iterate(inserter); err != nil && status == nil {
			status = err
		}
		db.writeBufferManager.ReserveMem(uint64(w.Batch.Size()))
		seq += dbformat.SequenceNumber(w.Batch.Count())
	}
	db.writeThread.Exit(group[0], lastWriter, status)
	return status
}

// runParallel launches the parallel-run protocol: every group member,
// leader included, gets its ParallelExecuteID set to its own starting
// sequence number by StartParallelRun itself (under the queue mutex,
// before any follower can be woken), so no further handoff is needed.
func (db *DBImpl) runParallel(leader, lastWriter *writethread.Writer, firstSeq dbformat.SequenceNumber) error {
	db.stats.RecordTick(TickerParallelRunsStarted, 1)

	db.writeThread.StartParallelRun(leader, lastWriter, uint64(firstSeq))

	inserter := newMemtableInserter(db, dbformat.SequenceNumber(leader.ParallelExecuteID), leader.CFDSet)
	leader.Status = leader.Batch.Iterate(inserter)
	db.writeBufferManager.ReserveMem(uint64(leader.Batch.Size()))

	db.writeThread.ReportParallelFinish()
	db.writeThread.LeaderWaitEndParallel(leader)
	db.writeThread.LeaderEndParallel(leader, lastWriter, db.flushScheduler, db.flushScheduler)

	return leader.Status
}

// appendToWAL serializes wb and appends it to the write-ahead log,
// optionally compressing the payload per Options.WALCompression (the
// compression type is stored as a trailing byte so a reader can dispatch
// to the right decompressor), protects it with a payload checksum of
// Options.ChecksumType, and syncs when needSync is true.
func (db *DBImpl) appendToWAL(wb *batch.WriteBatch, needSync, disableWAL bool) error {
	if disableWAL {
		return nil
	}

	db.walMu.Lock()
	defer db.walMu.Unlock()

	payload := wb.Data()
	var compressionByte byte
	if db.opts.WALCompression != compression.NoCompression {
		compressed, err := compression.Compress(db.opts.WALCompression, payload)
		if err != nil {
			return fmt.Errorf("db: compressing WAL record: %w", err)
		}
		payload = compressed
		compressionByte = byte(db.opts.WALCompression)
	} else {
		payload = append([]byte{}, payload...)
		compressionByte = byte(compression.NoCompression)
	}

	sum := checksum.ComputeChecksum(db.opts.ChecksumType, payload, compressionByte)
	record := make([]byte, 0, len(payload)+5)
	record = append(record, payload...)
	record = append(record, compressionByte)
	record = binary.LittleEndian.AppendUint32(record, sum)

	if db.opts.RateLimiter != nil {
		db.opts.RateLimiter.Request(int64(len(record)), IOPriorityHigh)
	}

	_ = testutil.SP(testutil.SPWALWrite)
	if _, err := db.wal.AddRecord(record); err != nil {
		return fmt.Errorf("db: appending WAL record: %w", err)
	}
	_ = testutil.SP(testutil.SPWALWriteComplete)
	db.stats.RecordTick(TickerBytesWritten, uint64(len(record)))

	if needSync {
		_ = testutil.SP(testutil.SPWALSync)
		if err := db.wal.Sync(); err != nil {
			return fmt.Errorf("db: syncing WAL: %w", err)
		}
		_ = testutil.SP(testutil.SPWALSyncComplete)
	}
	return nil
}

// Flush forces the default column family's memtable to be scheduled for
// flush, regardless of whether it has crossed its size threshold.
func (db *DBImpl) Flush(opts FlushOptions) error {
	cfd := db.cfSet.getDefault()
	cfd.clearFlushScheduled()
	db.flushScheduler.ScheduleFlush(cfd.id)
	return nil
}

// doFlush seals a column family's mutable memtable. There is no SST writer
// in this package (out of scope for the write-coordination core): the
// sealed memtable stays in cfd.imm, and Get keeps searching it, rather than
// being dropped once a storage tier would normally have persisted it.
// sealMemtable already moved its bytes from mutable to immutable in the
// write buffer manager's accounting; FreeMem is never called here because
// the bytes are still resident, not released.
func (db *DBImpl) doFlush(cfID uint32) {
	cfd, ok := db.cfSet.getByID(cfID)
	if !ok {
		return
	}
	_ = testutil.SP(testutil.SPBGFlushStart)
	db.background.enter()
	defer db.background.leave()

	_ = testutil.SP(testutil.SPBGFlushExecute)
	_ = testutil.SP(testutil.SPDoFlushStart)
	cfd.sealMemtable()
	db.recalculateWriteStallCondition(cfd)
	db.stats.RecordTick(TickerMemtablesFlushed, 1)
	_ = testutil.SP(testutil.SPDoFlushComplete)
	_ = testutil.SP(testutil.SPBGFlushComplete)
}

// recalculateWriteStallCondition derives and installs the write stall
// condition from cfd's current memtable pressure. There is no compaction
// subsystem in this package, so L0 file count and pending-compaction bytes
// are always zero: only the memtable-count cause can ever fire here.
func (db *DBImpl) recalculateWriteStallCondition(cfd *columnFamilyData) {
	// Sealing is all a flush does here, so every memtable in cfd.imm has
	// already been flushed and none is still waiting on one.
	numUnflushed := 0

	condition, cause := RecalculateWriteStallCondition(
		numUnflushed, 0, cfd.options.MaxWriteBufferNumber, 0, 0, true)
	db.writeController.SetStallCondition(condition, cause)
	if condition != WriteStallConditionNormal {
		db.stats.RecordTick(TickerWriteStalls, 1)
	}
}

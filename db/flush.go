package db

import "github.com/lsmkv/lsmkv/internal/testutil"

// flushScheduler is a channel-backed "maybe schedule" queue: ScheduleFlush
// never blocks, and a request that finds the channel full is dropped.
// Requests are not deduplicated per column family here; the write path
// avoids repeats through columnFamilyData's flushScheduled mark. It follows
// RocksDB's MaybeScheduleFlushOrCompaction pattern but is trimmed to flush
// only (no compaction scheduling here).
//
// Reference: RocksDB v10.7.5 db/db_impl/db_impl_compaction_flush.cc
type flushScheduler struct {
	pending chan uint32
	db      *DBImpl
}

func newFlushScheduler(db *DBImpl, capacity int) *flushScheduler {
	return &flushScheduler{
		pending: make(chan uint32, capacity),
		db:      db,
	}
}

// ScheduleFlush implements writethread.FlushScheduler. It never blocks: if
// the pending channel is full, the request is dropped and not retried.
// Each queued request seals only the memtable of the column family it
// names.
func (s *flushScheduler) ScheduleFlush(cfID uint32) {
	select {
	case s.pending <- cfID:
	default:
	}
}

// ShouldScheduleFlush implements writethread.ShouldScheduleFlusher.
func (s *flushScheduler) ShouldScheduleFlush(cfID uint32) bool {
	cfd, ok := s.db.cfSet.getByID(cfID)
	if !ok {
		return false
	}
	return cfd.shouldScheduleFlush()
}

// run drains pending flush requests until stop is closed. One background
// goroutine per DBImpl; mirrors RocksDB's single flush-thread model
// rather than a pool, since flush work here is WAL-bound, not CPU-bound.
func (s *flushScheduler) run(stop <-chan struct{}) {
	for {
		_ = testutil.SP(testutil.SPBGLoopIteration)
		select {
		case cfID := <-s.pending:
			s.db.doFlush(cfID)
		case <-stop:
			return
		}
	}
}

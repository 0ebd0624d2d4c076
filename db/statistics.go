package db

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// TickerType names a monotonically increasing counter tracked by
// Statistics. Trimmed to counters meaningful to the write-coordination
// path; RocksDB's SST/compaction tickers don't apply here.
type TickerType int

const (
	TickerBytesWritten TickerType = iota
	TickerWriteTimeouts
	TickerBatchGroupsFormed
	TickerBatchGroupWriters
	TickerParallelRunsStarted
	TickerMemtablesFlushed
	TickerWriteStalls
	numTickers
)

var tickerNames = [numTickers]string{
	TickerBytesWritten:       "lsmkv.bytes.written",
	TickerWriteTimeouts:      "lsmkv.write.timeouts",
	TickerBatchGroupsFormed:  "lsmkv.batch.groups.formed",
	TickerBatchGroupWriters:  "lsmkv.batch.group.writers",
	TickerParallelRunsStarted: "lsmkv.parallel.runs.started",
	TickerMemtablesFlushed:   "lsmkv.memtables.flushed",
	TickerWriteStalls:        "lsmkv.write.stalls",
}

func (t TickerType) String() string {
	if t < 0 || int(t) >= len(tickerNames) {
		return "unknown"
	}
	return tickerNames[t]
}

// Statistics collects counters describing write-path activity. A nil
// *Statistics is valid and records nothing, so call sites never need a
// presence check.
//
// Reference: RocksDB v10.7.5 include/rocksdb/statistics.h, trimmed to
// ticker-only counters (no histograms) since the write-coordination core
// has no latency distributions worth tracking beyond what logging already
// surfaces.
type Statistics struct {
	tickers [numTickers]atomic.Uint64
}

// NewStatistics creates an empty counter set.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// RecordTick increments a counter by delta, no-op on a nil Statistics.
func (s *Statistics) RecordTick(t TickerType, delta uint64) {
	if s == nil {
		return
	}
	s.tickers[t].Add(delta)
}

// GetTickerCount returns a counter's current value, 0 on a nil Statistics.
func (s *Statistics) GetTickerCount(t TickerType) uint64 {
	if s == nil {
		return 0
	}
	return s.tickers[t].Load()
}

// Reset zeroes every counter.
func (s *Statistics) Reset() {
	if s == nil {
		return
	}
	for i := range s.tickers {
		s.tickers[i].Store(0)
	}
}

// String renders every non-zero counter, one per line, for diagnostics.
func (s *Statistics) String() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	for t := TickerType(0); t < numTickers; t++ {
		if v := s.tickers[t].Load(); v != 0 {
			b.WriteString(t.String())
			b.WriteString(" COUNT : ")
			b.WriteString(strconv.FormatUint(v, 10))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

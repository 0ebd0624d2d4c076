package db

import (
	"sync"
	"sync/atomic"
)

// WriteBufferManager caps the total memory used by mutable and immutable
// memtables across every column family sharing it, and optionally stalls
// writers when that cap is exceeded.
//
// Reference: RocksDB v10.7.5
//   - include/rocksdb/write_buffer_manager.h
//   - memtable/write_buffer_manager.cc
type WriteBufferManager struct {
	bufferSize uint64
	allowStall bool

	memoryUsed    atomic.Uint64
	mutableMemtableMemoryUsage atomic.Uint64

	stallMu sync.Mutex
	stallCV *sync.Cond
	stalled atomic.Bool
}

// WriteBufferStats summarizes a WriteBufferManager's current usage.
type WriteBufferStats struct {
	BufferSize   uint64
	MemoryUsage  uint64
	MutableUsage uint64
	Stalled      bool
}

// NewWriteBufferManager creates a manager capping total memtable memory at
// bufferSize bytes. bufferSize == 0 disables the cap (Enabled returns
// false). allowStall controls whether writers block in WaitIfStalled once
// usage exceeds bufferSize (7/8 of the cap is only the ShouldFlush
// threshold).
func NewWriteBufferManager(bufferSize uint64, allowStall bool) *WriteBufferManager {
	m := &WriteBufferManager{bufferSize: bufferSize, allowStall: allowStall}
	m.stallCV = sync.NewCond(&m.stallMu)
	return m
}

// Enabled reports whether this manager enforces a memory cap.
func (m *WriteBufferManager) Enabled() bool { return m.bufferSize > 0 }

// BufferSize returns the configured cap.
func (m *WriteBufferManager) BufferSize() uint64 { return m.bufferSize }

// MemoryUsage returns the current total memtable memory usage tracked by
// this manager (mutable and immutable).
func (m *WriteBufferManager) MemoryUsage() uint64 { return m.memoryUsed.Load() }

// MutableMemtableMemoryUsage returns usage attributable to mutable
// (actively written) memtables only.
func (m *WriteBufferManager) MutableMemtableMemoryUsage() uint64 {
	return m.mutableMemtableMemoryUsage.Load()
}

// ShouldFlush reports whether usage has crossed 7/8 of the cap, the
// threshold at which RocksDB begins force-flushing memtables to relieve
// memory pressure.
func (m *WriteBufferManager) ShouldFlush() bool {
	if !m.Enabled() {
		return false
	}
	return m.memoryUsed.Load() >= m.bufferSize/8*7
}

// ReserveMem accounts for n additional bytes of memtable memory and, if
// usage now exceeds the cap and stalling is allowed, arms the write stall.
func (m *WriteBufferManager) ReserveMem(n uint64) {
	m.memoryUsed.Add(n)
	m.mutableMemtableMemoryUsage.Add(n)
	if m.Enabled() && m.allowStall && m.memoryUsed.Load() > m.bufferSize {
		m.stalled.Store(true)
	}
}

// ScheduleFreeMem moves n bytes from the mutable to the immutable count,
// used when a memtable is sealed ahead of flush.
func (m *WriteBufferManager) ScheduleFreeMem(n uint64) {
	if cur := m.mutableMemtableMemoryUsage.Load(); cur >= n {
		m.mutableMemtableMemoryUsage.Add(-n)
	}
}

// FreeMem releases n bytes of memtable memory, typically after a flush
// drops a memtable. If usage falls back under the cap, releases any
// writers blocked in WaitIfStalled.
func (m *WriteBufferManager) FreeMem(n uint64) {
	if cur := m.memoryUsed.Load(); cur >= n {
		m.memoryUsed.Add(-n)
	} else {
		m.memoryUsed.Store(0)
	}
	m.maybeEndWriteStall()
}

func (m *WriteBufferManager) maybeEndWriteStall() {
	if !m.Enabled() || m.memoryUsed.Load() <= m.bufferSize {
		if m.stalled.CompareAndSwap(true, false) {
			m.stallMu.Lock()
			m.stallCV.Broadcast()
			m.stallMu.Unlock()
		}
	}
}

// IsStalled reports whether this manager currently holds writers back.
func (m *WriteBufferManager) IsStalled() bool { return m.stalled.Load() }

// ReleaseStall unconditionally clears the stall and wakes every writer
// blocked in WaitIfStalled, used when the database is closing and must not
// leave a caller waiting on memory to free up.
func (m *WriteBufferManager) ReleaseStall() {
	if m.stalled.CompareAndSwap(true, false) {
		m.stallMu.Lock()
		m.stallCV.Broadcast()
		m.stallMu.Unlock()
	}
}

// WaitIfStalled blocks the caller while IsStalled is true.
func (m *WriteBufferManager) WaitIfStalled() {
	if !m.allowStall {
		return
	}
	m.stallMu.Lock()
	for m.stalled.Load() {
		m.stallCV.Wait()
	}
	m.stallMu.Unlock()
}

// Stats returns a snapshot of current usage.
func (m *WriteBufferManager) Stats() WriteBufferStats {
	return WriteBufferStats{
		BufferSize:   m.bufferSize,
		MemoryUsage:  m.memoryUsed.Load(),
		MutableUsage: m.mutableMemtableMemoryUsage.Load(),
		Stalled:      m.stalled.Load(),
	}
}

// ResetStats clears tracked usage without affecting the configured cap.
func (m *WriteBufferManager) ResetStats() {
	m.memoryUsed.Store(0)
	m.mutableMemtableMemoryUsage.Store(0)
}

// UsageRatio returns MemoryUsage as a fraction of BufferSize, or 0 if
// disabled.
func (m *WriteBufferManager) UsageRatio() float64 {
	if !m.Enabled() {
		return 0
	}
	return float64(m.memoryUsed.Load()) / float64(m.bufferSize)
}

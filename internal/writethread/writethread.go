// Package writethread implements the writer queue that serializes concurrent
// client writes into a single ordered stream, merges compatible writes into
// batch groups, and hands batches back to their owners for parallel
// application to memtables.
//
// Reference: RocksDB v10.7.5
//   - db/write_thread.h
//   - db/write_thread.cc
package writethread

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lsmkv/lsmkv/internal/batch"
	"github.com/lsmkv/lsmkv/internal/logging"
	"github.com/lsmkv/lsmkv/internal/testutil"
)

// ErrTimedOut is returned by Enter when a writer's timeout expires before it
// becomes leader or is absorbed into a batch group.
var ErrTimedOut = errors.New("writethread: timed out waiting to write")

// CFDSet is the set of column family IDs touched by a writer's batch.
type CFDSet map[uint32]struct{}

// Union merges other into s.
func (s CFDSet) Union(other CFDSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Writer represents one in-flight client write request.
//
// A Writer is created by the caller before Enter and is read by the caller
// again only after Done becomes true. Between those two points it is owned
// by the WriteThread: only WriteThread methods, called with the queue mutex
// held, may mutate the fields below (except SelfMu/SelfCV/Done, which follow
// their own locking discipline).
type Writer struct {
	Batch       *batch.WriteBatch
	Sync        bool
	DisableWAL  bool
	HasCallback bool
	Timeout     time.Duration // 0 means no timeout

	// InBatchGroup is set by BuildBatchGroup when this writer (not the
	// leader itself) has been merged into a batch group.
	InBatchGroup bool

	// ParallelExecuteID is 0 until StartParallelRun promotes this writer
	// to a parallel worker, at which point it is set to baseSeq plus this
	// writer's cumulative offset within the batch group (see
	// StartParallelRun), so callers can read it directly as a sequence
	// number without any further handoff.
	ParallelExecuteID uint64

	// CFDSet accumulates the column families touched while applying Batch.
	// Populated by the caller (via the memtable applicator) before
	// EndParallelRun or Exit observes it.
	CFDSet CFDSet

	// Done and Status are the terminal outcome. Done is set exactly once.
	Done   bool
	Status error

	// cv is signaled by the leader/queue machinery to wake this writer
	// while it waits as a follower. It shares the WriteThread's queue mutex.
	cv *sync.Cond

	// selfMu/selfCV decouple the parallel-run completion signal from the
	// queue mutex, so a parallel worker can block on its own completion
	// without contending with queue operations.
	selfMu sync.Mutex
	selfCV *sync.Cond
}

// NewWriter creates a Writer ready to be passed to WriteThread.Enter.
func NewWriter(wb *batch.WriteBatch, needSync, disableWAL, hasCallback bool, timeout time.Duration) *Writer {
	w := &Writer{
		Batch:       wb,
		Sync:        needSync,
		DisableWAL:  disableWAL,
		HasCallback: hasCallback,
		Timeout:     timeout,
		CFDSet:      make(CFDSet),
	}
	w.selfCV = sync.NewCond(&w.selfMu)
	return w
}

// WriteThread coordinates the FIFO writer queue, the leader/follower
// handshake, and the parallel-run barrier. The zero value is not usable;
// construct with New.
type WriteThread struct {
	mu sync.Mutex

	writers         []*Writer
	parallelWriters []*Writer

	unfinishedThreads atomic.Int32

	logger logging.Logger
}

// New creates an empty WriteThread that discards its diagnostic log
// output. Use NewWithLogger to route invariant-violation messages to a
// real logger before the DB transitions to a stopped state.
func New() *WriteThread {
	return &WriteThread{logger: logging.Discard}
}

// NewWithLogger creates an empty WriteThread that logs invariant
// violations through logger before panicking, so the surrounding DB's
// FatalHandler (if any) gets a chance to mark itself stopped before the
// goroutine unwinds.
func NewWithLogger(logger logging.Logger) *WriteThread {
	if logging.IsNil(logger) {
		logger = logging.Discard
	}
	return &WriteThread{logger: logger}
}

// newQueuedWriter wires w.cv to this WriteThread's queue mutex and enqueues
// it at the tail of writers. Must be called with mu held.
func (t *WriteThread) newQueuedWriter(w *Writer) {
	if w.cv == nil {
		w.cv = sync.NewCond(&t.mu)
	}
	t.writers = append(t.writers, w)
}

// Enter adds w to the writer queue and blocks until w becomes leader, is
// promoted to a parallel worker, is absorbed by a leader's batch group, or
// times out.
//
// Return value nil with w.ParallelExecuteID == 0 and w.Done == false means
// w is the leader and the caller must drive BuildBatchGroup next.
// Return value nil with w.Done == true means w was absorbed; w.Status holds
// the outcome. Return value nil with w.ParallelExecuteID > 0 means w was
// promoted; the caller must apply w.Batch and then call EndParallelRun.
func (t *WriteThread) Enter(w *Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = testutil.SP(testutil.SPEnterQueued)

	t.newQueuedWriter(w)
	expiration := deadline(w.Timeout)

	for {
		if w.Done {
			return nil
		}
		if w.ParallelExecuteID > 0 {
			return nil
		}
		if len(t.writers) > 0 && t.writers[0] == w {
			_ = testutil.SP(testutil.SPBecomeLeader)
			return nil
		}

		if expiration.IsZero() {
			w.cv.Wait()
			continue
		}

		if !t.waitUntil(w.cv, expiration) {
			// Timed out. If we were already merged into a batch group the
			// leader is committing on our behalf; we must not abandon.
			if w.InBatchGroup {
				expiration = time.Time{}
				continue
			}
			t.removeFromQueue(w)
			return ErrTimedOut
		}
	}
}

// removeFromQueue drops w from the pending queue and, if a new head exists,
// wakes it so the queue keeps making progress. Must be called with mu held.
func (t *WriteThread) removeFromQueue(w *Writer) {
	for i, q := range t.writers {
		if q == w {
			t.writers = append(t.writers[:i], t.writers[i+1:]...)
			break
		}
	}
	if len(t.writers) > 0 {
		t.writers[0].cv.Signal()
	}
}

// BuildBatchGroup merges the contiguous prefix of writers starting at
// leader, subject to the exclusion rules in buildBatchGroup, and marks each
// merged follower's InBatchGroup. Must be called by the leader, under no
// external lock (it takes the queue mutex itself). The returned group
// includes leader itself as group[0].
func (t *WriteThread) BuildBatchGroup(leader *Writer) (group []*Writer, lastWriter *Writer, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = testutil.SP(testutil.SPBuildGroup)
	return buildBatchGroup(t.writers, leader)
}

// buildBatchGroup is the pure merge function, factored out so it can be
// tested directly against a queue snapshot without synchronization.
func buildBatchGroup(writers []*Writer, leader *Writer) (group []*Writer, lastWriter *Writer, size int) {
	if len(writers) == 0 || writers[0] != leader {
		return nil, leader, 0
	}

	first := leader
	group = append(group, first)
	lastWriter = first
	if first.Batch != nil {
		size = first.Batch.Size()
	}

	if first.HasCallback {
		return group, lastWriter, size
	}

	maxSize := 1 << 20 // 1 MiB
	if grown := size + 128<<10; grown < maxSize {
		maxSize = grown
	}

	for i := 1; i < len(writers); i++ {
		w := writers[i]

		if w.Sync && !first.Sync {
			break
		}
		if !w.DisableWAL && first.DisableWAL {
			break
		}
		if w.HasCallback {
			break
		}
		if w.Batch == nil {
			break
		}
		if first.Timeout > 0 && (w.Timeout == 0 || w.Timeout < first.Timeout) {
			break
		}

		newSize := size + w.Batch.Size()
		if newSize > maxSize {
			break
		}

		w.InBatchGroup = true
		group = append(group, w)
		lastWriter = w
		size = newSize
	}

	return group, lastWriter, size
}

// StartParallelRun promotes every writer from leader through lastWriter
// (inclusive) into the parallel run, leaving lastWriter at the head of
// writers as a barrier against new leaders. baseSeq is the sequence number
// the first participant's first record should receive; each subsequent
// participant's ParallelExecuteID is baseSeq plus the cumulative record
// count of every participant before it, so every promoted writer (leader
// included) can read its own ParallelExecuteID directly as its starting
// sequence number with no further handoff from the leader. It returns the
// followers that must be woken to go apply their own batch (the leader
// itself is not returned; the caller applies its own batch directly).
func (t *WriteThread) StartParallelRun(leader, lastWriter *Writer, baseSeq uint64) []*Writer {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = testutil.SP(testutil.SPLaunchParallel)

	var participants []*Writer
	nextID := baseSeq
	for len(t.writers) > 0 {
		w := t.writers[0]
		w.ParallelExecuteID = nextID
		if w.Batch != nil {
			nextID += uint64(w.Batch.Count())
		} else {
			nextID++
		}
		participants = append(participants, w)

		isLast := w == lastWriter
		if isLast {
			break
		}
		t.writers = t.writers[1:]
	}

	t.parallelWriters = participants
	t.unfinishedThreads.Store(int32(len(participants)))

	followers := make([]*Writer, 0, len(participants)-1)
	for _, w := range participants {
		if w == leader {
			continue
		}
		followers = append(followers, w)
		w.cv.Signal()
	}
	return followers
}

// ReportParallelFinish decrements the outstanding-worker counter and
// reports whether this call drove it from 1 to 0. A parallel participant
// reports exactly once per run, so the counter must never go negative;
// an extra call means a participant finished twice or the run's
// membership was miscounted at StartParallelRun.
func (t *WriteThread) ReportParallelFinish() bool {
	remaining := t.unfinishedThreads.Add(-1)
	if remaining < 0 {
		const msg = "writethread: ReportParallelFinish called more times than there were parallel participants"
		t.logger.Fatalf(msg)
		panic(msg)
	}
	return remaining == 0
}

// LeaderWaitEndParallel blocks the leader until every parallel participant
// has reported completion.
func (t *WriteThread) LeaderWaitEndParallel(leader *Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.unfinishedThreads.Load() != 0 {
		leader.cv.Wait()
	}
}

// FlushScheduler receives column families that should be flushed once a
// parallel run completes. Implemented by the surrounding database.
type FlushScheduler interface {
	ScheduleFlush(cfID uint32)
}

// ShouldScheduleFlusher reports whether a given column family's memtable has
// crossed its flush threshold. Implemented by the surrounding database.
type ShouldScheduleFlusher interface {
	ShouldScheduleFlush(cfID uint32) bool
}

// LeaderEndParallel finalizes a parallel run: it merges every participant's
// CFDSet into the leader's, wakes each follower (signaling Done on its own
// selfCV/selfMu pair, independent of the queue mutex), consults sched for
// any column family that should flush, clears the parallel-run state, pops
// lastWriter off the queue, and wakes the next leader if one is waiting.
func (t *WriteThread) LeaderEndParallel(leader, lastWriter *Writer, sched FlushScheduler, shouldFlush ShouldScheduleFlusher) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.unfinishedThreads.Load() != 0 {
		const msg = "writethread: LeaderEndParallel called before all participants reported finish"
		t.logger.Fatalf(msg)
		panic(msg)
	}

	_ = testutil.SP(testutil.SPEndParallel)

	for _, w := range t.parallelWriters {
		if w == leader {
			continue
		}
		leader.CFDSet.Union(w.CFDSet)

		w.selfMu.Lock()
		w.Done = true
		w.selfCV.Signal()
		w.selfMu.Unlock()
	}

	if shouldFlush != nil && sched != nil {
		for cfID := range leader.CFDSet {
			if shouldFlush.ShouldScheduleFlush(cfID) {
				sched.ScheduleFlush(cfID)
			}
		}
	}

	t.parallelWriters = nil

	if len(t.writers) == 0 || t.writers[0] != lastWriter {
		const msg = "writethread: LeaderEndParallel found lastWriter not at the head of the queue"
		t.logger.Fatalf(msg)
		panic(msg)
	}
	t.writers = t.writers[1:]
	if len(t.writers) > 0 {
		t.writers[0].cv.Signal()
	}
}

// EndParallelRun is called by a non-leader parallel worker after it has
// applied its own batch. If needWakeUpLeader is true (this worker drove
// ReportParallelFinish's counter to zero) it signals the leader, then it
// always blocks on its own selfCV until the leader marks it Done.
func (t *WriteThread) EndParallelRun(w *Writer, needWakeUpLeader bool) {
	if needWakeUpLeader {
		t.mu.Lock()
		if len(t.parallelWriters) > 0 {
			t.parallelWriters[0].cv.Signal()
		}
		t.mu.Unlock()
	}

	w.selfMu.Lock()
	for !w.Done {
		w.selfCV.Wait()
	}
	w.selfMu.Unlock()
}

// Exit completes a non-parallel (serial) batch group: every writer from
// leader through lastWriter is popped off the queue; every absorbed writer
// (anyone but leader) is given status and marked Done. The new head, if
// any, is woken to become the next leader.
func (t *WriteThread) Exit(leader, lastWriter *Writer, status error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = testutil.SP(testutil.SPExit)

	for len(t.writers) > 0 {
		w := t.writers[0]
		t.writers = t.writers[1:]

		if w != leader {
			w.Status = status
			w.Done = true
			w.cv.Signal()
		}

		if w == lastWriter {
			break
		}
	}

	if len(t.writers) > 0 {
		t.writers[0].cv.Signal()
	}
}

// deadline converts a relative timeout into an absolute time.Time, or the
// zero Time if there is no timeout.
func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// waitUntil waits on cv until signaled or expiration passes, returning
// false on timeout. sync.Cond has no native deadline support, so this
// arranges a timer that signals the same condition.
//
// The timer callback takes t.mu before signaling. sync.Cond.Wait registers
// the waiter on its internal notify list before releasing the Locker, so by
// the time the callback can acquire t.mu (which only happens after Wait has
// released it), the waiter is already registered and the signal cannot be
// lost — a bare cv.Signal() from the callback without holding the mutex
// could otherwise race ahead of the Wait call it's meant to interrupt.
func (t *WriteThread) waitUntil(cv *sync.Cond, expiration time.Time) bool {
	remaining := time.Until(expiration)
	if remaining <= 0 {
		return false
	}

	timedOut := make(chan struct{})
	timer := time.AfterFunc(remaining, func() {
		t.mu.Lock()
		close(timedOut)
		cv.Signal()
		t.mu.Unlock()
	})
	defer timer.Stop()

	cv.Wait()

	select {
	case <-timedOut:
		return false
	default:
		return true
	}
}

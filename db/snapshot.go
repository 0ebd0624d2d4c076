package db

import (
	"sync"

	"github.com/lsmkv/lsmkv/internal/dbformat"
)

// Snapshot pins a sequence number so reads through it never observe writes
// committed after it was taken.
//
// Reference: RocksDB v10.7.5 db/snapshot_impl.h
type Snapshot struct {
	seq dbformat.SequenceNumber
}

// SequenceNumber returns the sequence number this snapshot pins.
func (s *Snapshot) SequenceNumber() uint64 { return uint64(s.seq) }

type snapshotList struct {
	mu   sync.Mutex
	live map[*Snapshot]struct{}
}

func newSnapshotList() *snapshotList {
	return &snapshotList{live: make(map[*Snapshot]struct{})}
}

func (l *snapshotList) acquire(seq dbformat.SequenceNumber) *Snapshot {
	s := &Snapshot{seq: seq}
	l.mu.Lock()
	l.live[s] = struct{}{}
	l.mu.Unlock()
	return s
}

func (l *snapshotList) release(s *Snapshot) {
	l.mu.Lock()
	delete(l.live, s)
	l.mu.Unlock()
}

// GetSnapshot pins the current sequence number so that subsequent Get calls
// made with it never observe writes committed afterward.
func (db *DBImpl) GetSnapshot() *Snapshot {
	return db.snapshots.acquire(dbformat.SequenceNumber(db.nextSeq.Load()))
}

// ReleaseSnapshot releases a snapshot acquired with GetSnapshot.
func (db *DBImpl) ReleaseSnapshot(s *Snapshot) {
	db.snapshots.release(s)
}

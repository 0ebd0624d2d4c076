package db

import (
	"fmt"
	"sync"

	"github.com/lsmkv/lsmkv/internal/memtable"
)

// ColumnFamilyHandle identifies a column family for operations that take
// one explicitly (PutCF, GetCF, and so on).
type ColumnFamilyHandle interface {
	ID() uint32
	Name() string
	IsValid() bool
}

// ColumnFamilyOptions configures a single column family. Most write-path
// tuning (buffer size, comparator, merge operator) is per column family;
// DB-wide knobs live on Options.
type ColumnFamilyOptions struct {
	Comparator         Comparator
	MergeOperator      MergeOperator
	WriteBufferSize    uint64
	MaxWriteBufferNumber int
}

// DefaultColumnFamilyOptions returns the options used when a column family
// is created without explicit overrides.
func DefaultColumnFamilyOptions() ColumnFamilyOptions {
	return ColumnFamilyOptions{
		Comparator:           DefaultComparator(),
		WriteBufferSize:      64 << 20,
		MaxWriteBufferNumber: 2,
	}
}

// columnFamilyData owns a column family's mutable and immutable memtables
// and tracks whether a flush has already been scheduled for it, so the
// write path's ShouldScheduleFlush check stays idempotent.
type columnFamilyData struct {
	id      uint32
	name    string
	options ColumnFamilyOptions

	memMu sync.RWMutex
	mem   *memtable.MemTable
	imm   []*memtable.MemTable

	flushScheduled bool

	refs    int32
	dropped bool

	db *DBImpl
}

func newColumnFamilyData(id uint32, name string, opts ColumnFamilyOptions, db *DBImpl) *columnFamilyData {
	if opts.Comparator == nil {
		opts.Comparator = DefaultComparator()
	}
	if opts.MaxWriteBufferNumber <= 0 {
		opts.MaxWriteBufferNumber = DefaultColumnFamilyOptions().MaxWriteBufferNumber
	}
	cfd := &columnFamilyData{
		id:      id,
		name:    name,
		options: opts,
		refs:    1,
		db:      db,
	}
	cfd.mem = memtable.NewMemTable(memtable.Comparator(opts.Comparator.Compare))
	return cfd
}

func (cfd *columnFamilyData) ref() { cfd.refs++ }

func (cfd *columnFamilyData) unref() bool {
	cfd.refs--
	return cfd.refs <= 0
}

// shouldScheduleFlush reports whether the active memtable has crossed its
// size threshold and no flush has been scheduled for it yet. It sets the
// flushScheduled mark when it returns true, so a second caller observing
// the same memtable in the same parallel run does not schedule twice.
func (cfd *columnFamilyData) shouldScheduleFlush() bool {
	cfd.memMu.Lock()
	defer cfd.memMu.Unlock()
	if cfd.flushScheduled {
		return false
	}
	if uint64(cfd.mem.ApproximateMemoryUsage()) < cfd.options.WriteBufferSize {
		return false
	}
	cfd.flushScheduled = true
	return true
}

func (cfd *columnFamilyData) clearFlushScheduled() {
	cfd.memMu.Lock()
	cfd.flushScheduled = false
	cfd.memMu.Unlock()
}

// sealMemtable moves the current mutable memtable to the immutable list
// and installs a fresh one, called once a scheduled flush actually begins.
func (cfd *columnFamilyData) sealMemtable() *memtable.MemTable {
	cfd.memMu.Lock()
	defer cfd.memMu.Unlock()
	sealed := cfd.mem
	cfd.imm = append(cfd.imm, sealed)
	cfd.mem = memtable.NewMemTable(memtable.Comparator(cfd.options.Comparator.Compare))
	cfd.flushScheduled = false
	if cfd.db != nil && cfd.db.writeBufferManager != nil {
		cfd.db.writeBufferManager.ScheduleFreeMem(uint64(sealed.ApproximateMemoryUsage()))
	}
	return sealed
}

// columnFamilyHandle is the exported handle returned to clients.
type columnFamilyHandle struct {
	id    uint32
	name  string
	valid bool
}

func (h *columnFamilyHandle) ID() uint32    { return h.id }
func (h *columnFamilyHandle) Name() string  { return h.name }
func (h *columnFamilyHandle) IsValid() bool { return h.valid }

// columnFamilySet owns every column family in a database, keyed by both
// name and ID.
type columnFamilySet struct {
	mu sync.RWMutex

	byName map[string]*columnFamilyData
	byID   map[uint32]*columnFamilyData
	nextID uint32

	defaultCF *columnFamilyData
	db        *DBImpl
}

func newColumnFamilySet(db *DBImpl, defaultOpts ColumnFamilyOptions) *columnFamilySet {
	s := &columnFamilySet{
		byName: make(map[string]*columnFamilyData),
		byID:   make(map[uint32]*columnFamilyData),
		db:     db,
	}
	s.defaultCF = newColumnFamilyData(0, "default", defaultOpts, db)
	s.byName["default"] = s.defaultCF
	s.byID[0] = s.defaultCF
	s.nextID = 1
	return s
}

func (s *columnFamilySet) getDefault() *columnFamilyData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultCF
}

func (s *columnFamilySet) getByName(name string) (*columnFamilyData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfd, ok := s.byName[name]
	return cfd, ok
}

func (s *columnFamilySet) getByID(id uint32) (*columnFamilyData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfd, ok := s.byID[id]
	return cfd, ok
}

func (s *columnFamilySet) create(name string, opts ColumnFamilyOptions) (*columnFamilyData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[name]; exists {
		return nil, fmt.Errorf("db: column family %q already exists", name)
	}
	id := s.nextID
	s.nextID++
	cfd := newColumnFamilyData(id, name, opts, s.db)
	s.byName[name] = cfd
	s.byID[id] = cfd
	return cfd, nil
}

func (s *columnFamilySet) drop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfd, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("db: column family %q not found", name)
	}
	if cfd == s.defaultCF {
		return fmt.Errorf("db: cannot drop the default column family")
	}
	cfd.dropped = true
	delete(s.byName, name)
	delete(s.byID, cfd.id)
	return nil
}

func (s *columnFamilySet) listNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	return names
}

func (s *columnFamilySet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byName)
}

func (s *columnFamilySet) forEach(fn func(*columnFamilyData)) {
	s.mu.RLock()
	cfds := make([]*columnFamilyData, 0, len(s.byID))
	for _, cfd := range s.byID {
		cfds = append(cfds, cfd)
	}
	s.mu.RUnlock()
	for _, cfd := range cfds {
		fn(cfd)
	}
}

// getColumnFamilyData resolves a client handle to the internal cfd,
// defaulting to the default column family when cf is nil.
func (db *DBImpl) getColumnFamilyData(cf ColumnFamilyHandle) (*columnFamilyData, error) {
	if cf == nil {
		return db.cfSet.getDefault(), nil
	}
	cfd, ok := db.cfSet.getByID(cf.ID())
	if !ok || cfd.dropped {
		return nil, ErrColumnFamilyDropped
	}
	return cfd, nil
}

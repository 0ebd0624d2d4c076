package db

import (
	"github.com/lsmkv/lsmkv/internal/dbformat"
	"github.com/lsmkv/lsmkv/internal/writethread"
)

// memtableInserter implements batch.Handler, applying one writer's batch
// to the memtable(s) of whichever column families it touches, assigning
// each record the next sequence number in order and recording every
// touched column family into the owning Writer's CFDSet.
//
// Reference: RocksDB v10.7.5 db/write_batch.cc (MemTableInserter)
type memtableInserter struct {
	db     *DBImpl
	seq    dbformat.SequenceNumber
	cfdSet writethread.CFDSet
}

func newMemtableInserter(db *DBImpl, firstSeq dbformat.SequenceNumber, cfdSet writethread.CFDSet) *memtableInserter {
	return &memtableInserter{db: db, seq: firstSeq, cfdSet: cfdSet}
}

func (m *memtableInserter) cfdFor(cfID uint32) *columnFamilyData {
	cfd, ok := m.db.cfSet.getByID(cfID)
	if !ok {
		cfd = m.db.cfSet.getDefault()
	}
	m.cfdSet[cfd.id] = struct{}{}
	return cfd
}

func (m *memtableInserter) Put(key, value []byte) error { return m.PutCF(0, key, value) }

func (m *memtableInserter) PutCF(cfID uint32, key, value []byte) error {
	cfd := m.cfdFor(cfID)
	cfd.mem.Add(m.seq, dbformat.TypeValue, key, value)
	m.seq++
	return nil
}

func (m *memtableInserter) Delete(key []byte) error { return m.DeleteCF(0, key) }

func (m *memtableInserter) DeleteCF(cfID uint32, key []byte) error {
	cfd := m.cfdFor(cfID)
	cfd.mem.Add(m.seq, dbformat.TypeDeletion, key, nil)
	m.seq++
	return nil
}

func (m *memtableInserter) SingleDelete(key []byte) error { return m.SingleDeleteCF(0, key) }

func (m *memtableInserter) SingleDeleteCF(cfID uint32, key []byte) error {
	cfd := m.cfdFor(cfID)
	cfd.mem.Add(m.seq, dbformat.TypeSingleDeletion, key, nil)
	m.seq++
	return nil
}

func (m *memtableInserter) Merge(key, value []byte) error { return m.MergeCF(0, key, value) }

func (m *memtableInserter) MergeCF(cfID uint32, key, value []byte) error {
	cfd := m.cfdFor(cfID)
	cfd.mem.Add(m.seq, dbformat.TypeMerge, key, value)
	m.seq++
	return nil
}

func (m *memtableInserter) DeleteRange(startKey, endKey []byte) error {
	return m.DeleteRangeCF(0, startKey, endKey)
}

func (m *memtableInserter) DeleteRangeCF(cfID uint32, startKey, endKey []byte) error {
	cfd := m.cfdFor(cfID)
	cfd.mem.AddRangeTombstone(m.seq, startKey, endKey)
	m.seq++
	return nil
}

func (m *memtableInserter) LogData(_ []byte) {}

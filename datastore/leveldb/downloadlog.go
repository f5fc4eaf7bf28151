package leveldb

import (
	"fmt"

	"pakpatch/datamodel/download"

	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	keyPrefixName = "NAM" // Latest download record of an archive file. Followed by the file name
	keyPrefixSeq  = "SEQ" // Download records indexed by sequence number (local). Followed by a 16-digit hexadecimal sequence number (64 bit)
)

var _ download.Log = (*DownloadLog)(nil)

type DownloadLog struct {
	LevelDB
	seq uint64
}

func NewDownloadLog(path string) (*DownloadLog, error) {
	// Init the underlying LevelDB object
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	// Scan the database to identify the sequence
	iter := ldb.NewIterator(util.BytesPrefix([]byte(keyPrefixSeq)), nil)
	defer iter.Release()

	var maxSeq uint64 = 0
	if iter.Last() {
		seq, err := seqFromKey(iter.Key())
		if err != nil {
			ldb.Close()
			return nil, err
		}
		maxSeq = seq
	}

	return &DownloadLog{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
		seq: maxSeq,
	}, nil
}

func unmarshalRecord(raw []byte) (*download.RecordWithSeq, error) {
	rec := &download.RecordWithSeq{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, err
	}
	if rec.Record == nil {
		return nil, ErrCorrupted
	}
	return rec, nil
}

func (l *DownloadLog) GetByName(name string) (*download.RecordWithSeq, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(keyFromName(name), nil)
	if err != nil {
		return nil, err
	}

	rec, err := unmarshalRecord(raw)
	if err != nil {
		return nil, err
	}

	if rec.Record.FileName != name {
		log.Errorf("GetByName: file name mismatch: %s != %s", name, rec.Record.FileName)
		return nil, ErrCorrupted
	}

	return rec, nil
}

func (l *DownloadLog) GetBySeq(seq uint64) (*download.RecordWithSeq, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(keyFromSeq(seq), nil)
	if err != nil {
		return nil, err
	}

	rec, err := unmarshalRecord(raw)
	if err != nil {
		return nil, err
	}

	if rec.Sequence != seq {
		log.Errorf("GetBySeq: Sequence Number mismatch: %d != %d", seq, rec.Sequence)
		return nil, ErrCorrupted
	}

	return rec, nil
}

func (l *DownloadLog) Put(record *download.Record) (*download.RecordWithSeq, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if record == nil || record.FileName == "" {
		return nil, fmt.Errorf("Put: record without file name")
	}

	newSeq := l.seq + 1

	rec := &download.RecordWithSeq{
		Sequence: newSeq,
		Record:   record,
	}

	raw, err := cbor.Marshal(rec)
	if err != nil {
		return nil, err
	}

	// Name -> latest record and Seq -> record are updated atomically
	batch := new(leveldb.Batch)
	batch.Put(keyFromName(record.FileName), raw)
	batch.Put(keyFromSeq(newSeq), raw)

	if err := l.db.Write(batch, nil); err != nil {
		return nil, err
	}

	l.seq = newSeq

	return rec, nil
}

func (l *DownloadLog) EnumerateBySeq(start uint64, end uint64) ([]*download.RecordWithSeq, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if start > end {
		return nil, fmt.Errorf("EnumerateBySeq: invalid range: start (%d) > end (%d)", start, end)
	}

	var results []*download.RecordWithSeq

	iter := l.db.NewIterator(&util.Range{Start: keyFromSeq(start), Limit: keyFromSeq(end)}, nil)
	defer iter.Release()

	for iter.Next() {
		rec, err := unmarshalRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}

	return results, iter.Error()
}

// EnumerateLatest returns the latest record of every file, ordered by file name.
func (l *DownloadLog) EnumerateLatest() ([]*download.RecordWithSeq, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []*download.RecordWithSeq

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixName)), nil)
	defer iter.Release()

	for iter.Next() {
		rec, err := unmarshalRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}

	return results, iter.Error()
}

func (l *DownloadLog) GetSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

package delta

import (
	"fmt"

	"github.com/erigontech/kudu-tablet-core/cfile"
	"github.com/erigontech/kudu-tablet-core/cfile/encoding"
	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/rowset/rowid"
	"github.com/erigontech/kudu-tablet-core/schema"
)

// FileWriter builds a DeltaFile: the on-disk, immutable projection of a
// MemStore (spec.md §4.4). Like ArrayWriter, a delta file is physically
// two CFiles composed together rather than one CFile with a bespoke
// record format: a "keys" column (delta keys, value-indexed for seeking)
// and a "records" column (encoded change lists, positionally aligned with
// keys) — the same two-stream composition cfile.ArrayWriter uses for
// array columns.
type FileWriter struct {
	keys    *cfile.Writer
	records *cfile.Writer
	stats   Stats
}

func NewFileWriter() (*FileWriter, error) {
	keys, err := cfile.NewWriter(cfile.WriterOptions{
		Type:           schema.Binary,
		Encoding:       encoding.KindPlain,
		WithValueIndex: true,
	})
	if err != nil {
		return nil, fmt.Errorf("delta: new keys column: %w", err)
	}
	records, err := cfile.NewWriter(cfile.WriterOptions{
		Type:     schema.Binary,
		Encoding: encoding.KindPlain,
	})
	if err != nil {
		return nil, fmt.Errorf("delta: new records column: %w", err)
	}
	return &FileWriter{
		keys:    keys,
		records: records,
		stats:   Stats{ColumnUpdateCounts: make(map[uint32]uint64)},
	}, nil
}

// Add appends one delta record. Callers MUST supply records in ascending
// Key order (spec.md §4.4's DeltaFile is built by flushing an already
// key-ordered MemStore).
func (w *FileWriter) Add(key Key, cl ChangeList) error {
	if err := w.keys.Add([][]byte{key.Encode()}); err != nil {
		return fmt.Errorf("delta: append key: %w", err)
	}
	if err := w.records.Add([][]byte{EncodeChangeList(cl)}); err != nil {
		return fmt.Errorf("delta: append record: %w", err)
	}
	if w.stats.RecordCount == 0 || key.TS < w.stats.MinTS {
		w.stats.MinTS = key.TS
	}
	if key.TS > w.stats.MaxTS {
		w.stats.MaxTS = key.TS
	}
	w.stats.RecordCount++
	switch cl.Kind {
	case ChangeDelete:
		w.stats.DeleteCount++
	default:
		for _, u := range cl.Updates {
			w.stats.ColumnUpdateCounts[u.ColumnID]++
		}
	}
	return nil
}

// Finish seals both underlying CFiles and returns the accumulated stats.
func (w *FileWriter) Finish() (keysFile, recordsFile []byte, stats Stats, err error) {
	keysFile, err = w.keys.Finish()
	if err != nil {
		return nil, nil, Stats{}, err
	}
	recordsFile, err = w.records.Finish()
	if err != nil {
		return nil, nil, Stats{}, err
	}
	return keysFile, recordsFile, w.stats, nil
}

// File is an opened, immutable DeltaFile ready for point/range lookups
// during scans (spec.md §4.4/§4.8).
type File struct {
	keys    *cfile.Reader
	records *cfile.Reader
	Stats   Stats
}

func Open(keysFile, recordsFile []byte, stats Stats) (*File, error) {
	keys, err := cfile.Open(keysFile)
	if err != nil {
		return nil, fmt.Errorf("delta: open keys column: %w", err)
	}
	records, err := cfile.Open(recordsFile)
	if err != nil {
		return nil, fmt.Errorf("delta: open records column: %w", err)
	}
	return &File{keys: keys, records: records, Stats: stats}, nil
}

// ForRow visits every delta record for row in ascending timestamp order,
// by seeking the keys column's value index to (row, 0) and scanning
// forward until the row_id changes.
func (f *File) ForRow(row rowid.ID, visit func(ts mvcc.Timestamp, cl ChangeList) error) error {
	kit, err := f.keys.NewIterator()
	if err != nil {
		return fmt.Errorf("delta: new keys iterator: %w", err)
	}
	rit, err := f.records.NewIterator()
	if err != nil {
		return fmt.Errorf("delta: new records iterator: %w", err)
	}
	start := Key{RowID: row, TS: 0}
	ordinal, _, err := kit.SeekAtOrAfterValue(start.Encode())
	if err != nil {
		return fmt.Errorf("delta: seek row %d: %w", row, err)
	}
	if ordinal >= f.keys.Footer.ValueCount {
		return nil
	}
	if err := rit.SeekToOrdinal(ordinal); err != nil {
		return err
	}
	for {
		kvs, err := kit.CopyNextValues(1)
		if err != nil {
			return fmt.Errorf("delta: read key: %w", err)
		}
		if len(kvs) == 0 {
			return nil
		}
		key, err := DecodeKey(kvs[0])
		if err != nil {
			return err
		}
		if key.RowID != row {
			return nil
		}
		rvs, err := rit.CopyNextValues(1)
		if err != nil {
			return fmt.Errorf("delta: read record: %w", err)
		}
		if len(rvs) == 0 {
			return fmt.Errorf("delta: records stream shorter than keys stream")
		}
		cl, err := DecodeChangeList(rvs[0])
		if err != nil {
			return err
		}
		if err := visit(key.TS, cl); err != nil {
			return err
		}
	}
}

// RecordCount returns the number of delta records stored.
func (f *File) RecordCount() uint32 { return f.keys.Footer.ValueCount }

// All visits every record in the file in ascending Key order; used by
// minor/major delta compaction to merge or fold delta files (spec.md
// §4.5's minor_compact_delta_stores/major_compact_delta_stores).
func (f *File) All(visit func(key Key, cl ChangeList) error) error {
	kit, err := f.keys.NewIterator()
	if err != nil {
		return fmt.Errorf("delta: new keys iterator: %w", err)
	}
	rit, err := f.records.NewIterator()
	if err != nil {
		return fmt.Errorf("delta: new records iterator: %w", err)
	}
	for {
		kvs, err := kit.CopyNextValues(1)
		if err != nil {
			return fmt.Errorf("delta: read key: %w", err)
		}
		if len(kvs) == 0 {
			return nil
		}
		key, err := DecodeKey(kvs[0])
		if err != nil {
			return err
		}
		rvs, err := rit.CopyNextValues(1)
		if err != nil {
			return fmt.Errorf("delta: read record: %w", err)
		}
		if len(rvs) == 0 {
			return fmt.Errorf("delta: records stream shorter than keys stream")
		}
		cl, err := DecodeChangeList(rvs[0])
		if err != nil {
			return err
		}
		if err := visit(key, cl); err != nil {
			return err
		}
	}
}

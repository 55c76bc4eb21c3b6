package resultstore

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/exp/mmap"

	"github.com/dd0wney/cluso-waterplan/pkg/metrics"
)

const (
	MetadataFile = "result.json"
	RowsFile     = "rows.snappy"

	rowsMagic uint32 = 0x57505231 // "WPR1"
)

// FileStore keeps each result set in <dir>/<run id>/: result.json holds
// metadata and totals, rows.snappy holds the rows as snappy-compressed,
// checksummed records.
type FileStore struct {
	dir     string
	metrics *metrics.Registry
}

// NewFileStore stores result sets under dir, creating it if needed.
func NewFileStore(dir string, reg *metrics.Registry) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}
	return &FileStore{dir: dir, metrics: reg}, nil
}

// RunDir is the directory holding runID's artifacts.
func (s *FileStore) RunDir(runID string) string {
	return filepath.Join(s.dir, runID)
}

// Save writes rs atomically per file.
func (s *FileStore) Save(ctx context.Context, rs *ResultSet) (err error) {
	defer s.observe("save", time.Now(), &err)

	dir := s.RunDir(rs.Metadata.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	meta, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result set: %w", err)
	}
	if err := WriteFileAtomic(filepath.Join(dir, MetadataFile), meta); err != nil {
		return err
	}
	return writeRows(filepath.Join(dir, RowsFile), rs.Rows)
}

// Load reads the result set of runID.
func (s *FileStore) Load(ctx context.Context, runID string) (rs *ResultSet, err error) {
	defer s.observe("load", time.Now(), &err)

	dir := s.RunDir(runID)
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("read result set: %w", err)
	}
	rs = &ResultSet{}
	if err := json.Unmarshal(data, rs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rs.Rows, err = readRows(filepath.Join(dir, RowsFile))
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func (s *FileStore) observe(op string, start time.Time, err *error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if *err != nil {
		status = "error"
	}
	s.metrics.RecordStoreOperation("file", op, status, time.Since(start))
}

// writeRows writes [magic:4][count:4] followed by one record per row:
// [len:4][snappy(json):len][crc32:4], big endian.
func writeRows(path string, rows []Row) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create rows file: %w", err)
	}
	defer func() { _ = os.Remove(tmp) }()

	w := bufio.NewWriter(f)
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], rowsMagic)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(rows)))
	if _, err := w.Write(header[:]); err != nil {
		_ = f.Close()
		return err
	}

	var frame [4]byte
	for i := range rows {
		data, err := json.Marshal(&rows[i])
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("marshal row: %w", err)
		}
		compressed := snappy.Encode(nil, data)

		binary.BigEndian.PutUint32(frame[:], uint32(len(compressed)))
		if _, err := w.Write(frame[:]); err != nil {
			_ = f.Close()
			return err
		}
		if _, err := w.Write(compressed); err != nil {
			_ = f.Close()
			return err
		}
		binary.BigEndian.PutUint32(frame[:], crc32.ChecksumIEEE(compressed))
		if _, err := w.Write(frame[:]); err != nil {
			_ = f.Close()
			return err
		}
	}

	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush rows: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync rows: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readRows(path string) ([]Row, error) {
	r, err := mmap.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: missing %s", ErrNotFound, RowsFile)
	}
	if err != nil {
		return nil, fmt.Errorf("open rows: %w", err)
	}
	defer r.Close()

	var header [8]byte
	if _, err := r.ReadAt(header[:], 0); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if binary.BigEndian.Uint32(header[0:4]) != rowsMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	count := int(binary.BigEndian.Uint32(header[4:8]))

	rows := make([]Row, 0, count)
	offset := int64(len(header))
	var frame [4]byte
	for i := 0; i < count; i++ {
		if _, err := r.ReadAt(frame[:], offset); err != nil {
			return nil, fmt.Errorf("%w: row %d length: %v", ErrCorrupt, i, err)
		}
		n := int64(binary.BigEndian.Uint32(frame[:]))
		offset += 4
		if offset+n+4 > int64(r.Len()) {
			return nil, fmt.Errorf("%w: row %d truncated", ErrCorrupt, i)
		}

		compressed := make([]byte, n)
		if _, err := r.ReadAt(compressed, offset); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrCorrupt, i, err)
		}
		offset += n
		if _, err := r.ReadAt(frame[:], offset); err != nil {
			return nil, fmt.Errorf("%w: row %d checksum: %v", ErrCorrupt, i, err)
		}
		offset += 4
		if binary.BigEndian.Uint32(frame[:]) != crc32.ChecksumIEEE(compressed) {
			return nil, fmt.Errorf("%w: row %d checksum mismatch", ErrCorrupt, i)
		}

		data, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrCorrupt, i, err)
		}
		var row Row
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrCorrupt, i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// WriteFileAtomic writes data to a temporary file and renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

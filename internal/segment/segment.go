package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mareekkk/logstream/internal/record"
)

const (
	// SegmentMagic identifies the segment file format.
	SegmentMagic = uint32(0x4C534547) // "LSEG"

	// HeaderSize: [4 magic][4 version][8 segment_id][8 base_seq]
	HeaderSize = 24

	currentVersion = 1
)

// Header is the fixed prefix of every segment file, written at creation.
type Header struct {
	Version uint32
	ID      uint64
	BaseSeq uint64
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], SegmentMagic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint64(buf[8:16], h.ID)
	binary.BigEndian.PutUint64(buf[16:24], h.BaseSeq)
	return buf
}

func decodeHeader(raw []byte) (Header, error) {
	if len(raw) < HeaderSize {
		return Header{}, fmt.Errorf("segment header too small: %d bytes", len(raw))
	}
	magic := binary.BigEndian.Uint32(raw[0:4])
	if magic != SegmentMagic {
		return Header{}, fmt.Errorf("invalid segment magic: 0x%08X", magic)
	}
	h := Header{
		Version: binary.BigEndian.Uint32(raw[4:8]),
		ID:      binary.BigEndian.Uint64(raw[8:16]),
		BaseSeq: binary.BigEndian.Uint64(raw[16:24]),
	}
	if h.Version != currentVersion {
		return Header{}, fmt.Errorf("unsupported segment version: %d", h.Version)
	}
	return h, nil
}

// Dir returns the segments directory under a storage root.
func Dir(root string) string {
	return filepath.Join(root, "segments")
}

// DataPath returns the segment file path for an id.
func DataPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016d.seg", id))
}

// IndexPath returns the sidecar index path for a segment file path.
func IndexPath(dataPath string) string {
	return strings.TrimSuffix(dataPath, ".seg") + ".idx"
}

// Writer is the append end of one open (unsealed) segment.
// Not safe for concurrent use; the store serializes appends.
type Writer struct {
	f        *os.File
	path     string
	id       uint64
	baseSeq  uint64
	size     int64
	firstSeq uint64
	lastSeq  uint64
	index    *Index
}

// Create opens a fresh segment file and writes its header.
func Create(dir string, id, baseSeq uint64) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating segment dir %s: %w", dir, err)
	}
	path := DataPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating segment file: %w", err)
	}

	hdr := encodeHeader(Header{Version: currentVersion, ID: id, BaseSeq: baseSeq})
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing segment header: %w", err)
	}
	// The base sequence is the floor for sequence recovery; it must survive
	// a crash even if no record is ever appended here.
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("syncing segment header: %w", err)
	}

	return &Writer{
		f:       f,
		path:    path,
		id:      id,
		baseSeq: baseSeq,
		size:    HeaderSize,
		index:   &Index{},
	}, nil
}

// Resume reopens an unsealed segment after a restart. The file is scanned,
// any torn tail is truncated away, and the writer continues after the last
// valid frame.
func Resume(path string) (*Writer, *ScanResult, error) {
	hdr, res, err := Scan(path)
	if err != nil {
		return nil, nil, err
	}

	if res.ValidSize < res.FileSize {
		if err := os.Truncate(path, res.ValidSize); err != nil {
			return nil, nil, fmt.Errorf("truncating torn tail of %s: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("reopening segment: %w", err)
	}
	if _, err := f.Seek(res.ValidSize, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("seeking segment end: %w", err)
	}

	w := &Writer{
		f:        f,
		path:     path,
		id:       hdr.ID,
		baseSeq:  hdr.BaseSeq,
		size:     res.ValidSize,
		firstSeq: res.FirstSeq,
		lastSeq:  res.LastSeq,
		index:    &Index{Entries: res.Entries},
	}
	return w, res, nil
}

// Append writes one record frame. Durability requires a subsequent Sync.
func (w *Writer) Append(rec *record.Record) (Entry, error) {
	frame, err := record.EncodeFrame(rec)
	if err != nil {
		return Entry{}, err
	}
	if _, err := w.f.Write(frame); err != nil {
		return Entry{}, fmt.Errorf("writing record frame: %w", err)
	}

	e := Entry{Sequence: rec.Sequence, Offset: w.size, Size: int32(len(frame))}
	w.size += int64(len(frame))
	if w.firstSeq == 0 {
		w.firstSeq = rec.Sequence
	}
	w.lastSeq = rec.Sequence
	w.index.Entries = append(w.index.Entries, e)
	return e, nil
}

// Sync flushes written frames to stable storage.
func (w *Writer) Sync() error {
	return w.f.Sync()
}

// ReadAt reads back one frame through its index entry. Safe against the
// append position because entries only cover already-written frames.
func (w *Writer) ReadAt(e Entry) (*record.Record, error) {
	buf := make([]byte, e.Size)
	if _, err := w.f.ReadAt(buf, e.Offset); err != nil {
		return nil, fmt.Errorf("reading frame at %d: %w", e.Offset, err)
	}
	return record.DecodeOne(buf)
}

// Seal syncs the data file, writes the index sidecar, and closes the writer.
func (w *Writer) Seal() (*Index, error) {
	if err := w.f.Sync(); err != nil {
		return nil, fmt.Errorf("syncing segment before seal: %w", err)
	}
	if err := os.WriteFile(IndexPath(w.path), w.index.Encode(), 0644); err != nil {
		return nil, fmt.Errorf("writing index sidecar: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return nil, fmt.Errorf("closing sealed segment: %w", err)
	}
	return w.index, nil
}

// Close releases the file without sealing. Used on shutdown; the segment is
// resumed on the next start.
func (w *Writer) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

func (w *Writer) ID() uint64       { return w.id }
func (w *Writer) BaseSeq() uint64  { return w.baseSeq }
func (w *Writer) FirstSeq() uint64 { return w.firstSeq }
func (w *Writer) LastSeq() uint64  { return w.lastSeq }
func (w *Writer) Count() uint64    { return uint64(len(w.index.Entries)) }
func (w *Writer) Size() int64      { return w.size }
func (w *Writer) Path() string     { return w.path }
func (w *Writer) Index() *Index    { return w.index }

package segment

import (
	"fmt"
	"os"

	"github.com/mareekkk/logstream/internal/record"
)

// ScanResult summarizes a full sequential pass over a segment file.
// ValidSize is the byte length of the longest valid frame prefix; FrameErr
// carries the error that stopped the scan, nil when the file ends cleanly
// on a frame boundary.
type ScanResult struct {
	Entries   []Entry
	FirstSeq  uint64
	LastSeq   uint64
	ValidSize int64
	FileSize  int64
	FrameErr  error
}

// Scan reads a segment file front to back, verifying every frame checksum.
// The scan stops at the first invalid frame; the caller decides whether the
// remainder is a torn tail to truncate or corruption to report.
func Scan(path string) (Header, *ScanResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("reading segment file: %w", err)
	}

	hdr, err := decodeHeader(raw)
	if err != nil {
		return Header{}, nil, err
	}

	res := &ScanResult{ValidSize: HeaderSize, FileSize: int64(len(raw))}
	pos := HeaderSize
	for pos < len(raw) {
		rec, n, err := record.DecodeFrame(raw[pos:])
		if err != nil {
			res.FrameErr = fmt.Errorf("frame at offset %d: %w", pos, err)
			break
		}
		res.Entries = append(res.Entries, Entry{
			Sequence: rec.Sequence,
			Offset:   int64(pos),
			Size:     int32(n),
		})
		if res.FirstSeq == 0 {
			res.FirstSeq = rec.Sequence
		}
		res.LastSeq = rec.Sequence
		pos += n
		res.ValidSize = int64(pos)
	}

	return hdr, res, nil
}

// Reader serves random-access reads from a sealed segment.
type Reader struct {
	f    *os.File
	path string
	hdr  Header
	idx  *Index
}

// Open prepares a sealed segment for reading. The sidecar index is used when
// present and intact; otherwise the segment is scanned to rebuild it.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment: %w", err)
	}

	hdrBuf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading segment header: %w", err)
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	idx, err := loadIndex(path)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Reader{f: f, path: path, hdr: hdr, idx: idx}, nil
}

func loadIndex(path string) (*Index, error) {
	idxData, err := os.ReadFile(IndexPath(path))
	if err == nil {
		idx, err := DecodeIndex(idxData)
		if err == nil {
			return idx, nil
		}
	}

	// Fallback: rebuild from the data file.
	_, res, err := Scan(path)
	if err != nil {
		return nil, err
	}
	if res.FrameErr != nil {
		return nil, fmt.Errorf("sealed segment %s: %w", path, res.FrameErr)
	}
	return &Index{Entries: res.Entries}, nil
}

// ReadAt reads one frame through its index entry.
func (r *Reader) ReadAt(e Entry) (*record.Record, error) {
	buf := make([]byte, e.Size)
	if _, err := r.f.ReadAt(buf, e.Offset); err != nil {
		return nil, fmt.Errorf("reading frame at %d: %w", e.Offset, err)
	}
	return record.DecodeOne(buf)
}

func (r *Reader) Header() Header { return r.hdr }
func (r *Reader) Index() *Index  { return r.idx }
func (r *Reader) Path() string   { return r.path }

func (r *Reader) Close() error {
	return r.f.Close()
}

package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"
)

const (
	// FrameHeaderSize is the fixed header for each encoded record frame.
	// Layout: [4 bytes total_size][8 bytes sequence][8 bytes timestamp_ns][2 bytes source_len]
	FrameHeaderSize = 22

	// ChecksumSize is the trailing CRC32 checksum per frame.
	ChecksumSize = 4

	// MaxSourceLen is the hard limit imposed by the 2-byte source length field.
	MaxSourceLen = 1<<16 - 1
)

// Frame decoding failures. ErrFrameTruncated means the buffer ended inside a
// frame (a torn tail is recoverable by truncation); ErrFrameChecksum means the
// frame is complete but its payload does not match its checksum.
var (
	ErrFrameTruncated = errors.New("record frame truncated")
	ErrFrameChecksum  = errors.New("record frame checksum mismatch")
)

// Record is one admitted log entry. Immutable once assigned a sequence.
type Record struct {
	Sequence  uint64
	Source    string
	Payload   []byte
	Timestamp time.Time
}

// EncodedSize returns the on-disk frame size for a source/payload pair.
func EncodedSize(source string, payload []byte) int {
	return FrameHeaderSize + len(source) + len(payload) + ChecksumSize
}

// EncodeFrame serializes a record into a self-checking frame.
func EncodeFrame(r *Record) ([]byte, error) {
	srcBytes := []byte(r.Source)
	if len(srcBytes) > MaxSourceLen {
		return nil, fmt.Errorf("source tag too long: %d bytes", len(srcBytes))
	}

	frameSize := FrameHeaderSize + len(srcBytes) + len(r.Payload) + ChecksumSize
	buf := make([]byte, 0, frameSize)

	hdr := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(frameSize))
	binary.BigEndian.PutUint64(hdr[4:12], r.Sequence)
	binary.BigEndian.PutUint64(hdr[12:20], uint64(r.Timestamp.UnixNano()))
	binary.BigEndian.PutUint16(hdr[20:22], uint16(len(srcBytes)))
	buf = append(buf, hdr...)

	buf = append(buf, srcBytes...)
	buf = append(buf, r.Payload...)

	crc := crc32.ChecksumIEEE(buf)
	crcBuf := make([]byte, ChecksumSize)
	binary.BigEndian.PutUint32(crcBuf, crc)
	buf = append(buf, crcBuf...)

	return buf, nil
}

// DecodeFrame parses one frame from the start of raw and returns the record
// plus the number of bytes consumed. raw may contain trailing bytes beyond
// the frame; they are left untouched.
func DecodeFrame(raw []byte) (*Record, int, error) {
	if len(raw) < FrameHeaderSize {
		return nil, 0, fmt.Errorf("%w: %d bytes for header", ErrFrameTruncated, len(raw))
	}

	frameSize := int(binary.BigEndian.Uint32(raw[0:4]))
	if frameSize < FrameHeaderSize+ChecksumSize {
		return nil, 0, fmt.Errorf("%w: declared size %d", ErrFrameChecksum, frameSize)
	}
	if frameSize > len(raw) {
		return nil, 0, fmt.Errorf("%w: declared size %d, have %d", ErrFrameTruncated, frameSize, len(raw))
	}

	seq := binary.BigEndian.Uint64(raw[4:12])
	tsNano := binary.BigEndian.Uint64(raw[12:20])
	srcLen := int(binary.BigEndian.Uint16(raw[20:22]))

	payloadLen := frameSize - FrameHeaderSize - srcLen - ChecksumSize
	if payloadLen < 0 {
		return nil, 0, fmt.Errorf("%w: source length %d exceeds frame", ErrFrameChecksum, srcLen)
	}

	crcStart := frameSize - ChecksumSize
	expectedCRC := binary.BigEndian.Uint32(raw[crcStart:frameSize])
	actualCRC := crc32.ChecksumIEEE(raw[:crcStart])
	if expectedCRC != actualCRC {
		return nil, 0, fmt.Errorf("%w: expected 0x%08X, got 0x%08X", ErrFrameChecksum, expectedCRC, actualCRC)
	}

	pos := FrameHeaderSize
	source := string(raw[pos : pos+srcLen])
	pos += srcLen

	payload := make([]byte, payloadLen)
	copy(payload, raw[pos:pos+payloadLen])

	return &Record{
		Sequence:  seq,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Unix(0, int64(tsNano)),
	}, frameSize, nil
}

// DecodeOne parses a buffer holding exactly one frame, as read back through
// an index entry.
func DecodeOne(raw []byte) (*Record, error) {
	rec, n, err := DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	if n != len(raw) {
		return nil, fmt.Errorf("%w: %d trailing bytes after frame", ErrFrameChecksum, len(raw)-n)
	}
	return rec, nil
}

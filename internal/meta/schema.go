package meta

import (
	"encoding/binary"
	"time"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketSegments   = []byte("segments")
	bucketSeqIndex   = []byte("seq_index")
	bucketGaps       = []byte("gaps")
	bucketTombstones = []byte("tombstones")
	bucketConsumers  = []byte("consumers")
	bucketOffsets    = []byte("offsets")

	keySchemaVersion = []byte("schema_version")
)

// Version 2 added the first-seq index; older manifests are backfilled on
// open.
const currentSchemaVersion = 2

// SegmentEntry is the manifest record for one sealed segment.
type SegmentEntry struct {
	ID          uint64
	FirstSeq    uint64
	LastSeq     uint64
	RecordCount uint64
	SizeBytes   int64
	CreatedAt   time.Time
	SealedAt    time.Time
	Corrupt     bool
	ArchiveKey  string
}

// GapEntry records a sequence range lost to segment corruption. Readers
// surface these as explicit markers instead of silently skipping.
type GapEntry struct {
	FirstSeq   uint64
	LastSeq    uint64
	SegmentID  uint64
	RecordedAt time.Time
}

// TombstoneEntry marks a segment for removal. The sweeper writes the
// tombstone first, then deletes the files, then clears the tombstone; a
// crash in between leaves the segment reclaimable on the next sweep.
type TombstoneEntry struct {
	SegmentID uint64
	Path      string
	IndexPath string
	FirstSeq  uint64
	LastSeq   uint64
	SizeBytes int64
	MarkedAt  time.Time
	Archived  bool
}

// ConsumerEntry is the durable half of a consumer registration. The
// acknowledged offset lives in its own bucket keyed by consumer id.
type ConsumerEntry struct {
	ID        string
	Mode      string // "push" or "pull"
	SinceSeq  uint64
	CreatedAt time.Time
	LastSeen  time.Time
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

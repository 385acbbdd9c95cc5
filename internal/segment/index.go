package segment

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Index provides efficient lookup of record frames within a segment.
type Index struct {
	Entries []Entry
}

// Entry maps a sequence number to its frame position in the segment file.
type Entry struct {
	Sequence uint64
	Offset   int64
	Size     int32
}

// Lookup finds the entry for an exact sequence number.
func (idx *Index) Lookup(seq uint64) (Entry, bool) {
	i := sort.Search(len(idx.Entries), func(i int) bool {
		return idx.Entries[i].Sequence >= seq
	})
	if i < len(idx.Entries) && idx.Entries[i].Sequence == seq {
		return idx.Entries[i], true
	}
	return Entry{}, false
}

// From returns the position of the first entry with Sequence >= seq.
// Returns len(Entries) when every entry is below seq.
func (idx *Index) From(seq uint64) int {
	return sort.Search(len(idx.Entries), func(i int) bool {
		return idx.Entries[i].Sequence >= seq
	})
}

// Encode serializes the index to the compact sidecar format.
// Format: [4 bytes entry_count][repeated: 8 seq + 8 offset + 4 size]
func (idx *Index) Encode() []byte {
	buf := make([]byte, 4+len(idx.Entries)*20)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(idx.Entries)))

	pos := 4
	for _, e := range idx.Entries {
		binary.BigEndian.PutUint64(buf[pos:pos+8], e.Sequence)
		binary.BigEndian.PutUint64(buf[pos+8:pos+16], uint64(e.Offset))
		binary.BigEndian.PutUint32(buf[pos+16:pos+20], uint32(e.Size))
		pos += 20
	}
	return buf
}

// DecodeIndex parses a binary-encoded sidecar index.
func DecodeIndex(data []byte) (*Index, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("index too small: %d bytes", len(data))
	}

	count := int(binary.BigEndian.Uint32(data[0:4]))
	if len(data) < 4+count*20 {
		return nil, fmt.Errorf("index truncated: expected %d entries, got %d bytes", count, len(data))
	}

	entries := make([]Entry, count)
	pos := 4
	for i := 0; i < count; i++ {
		entries[i] = Entry{
			Sequence: binary.BigEndian.Uint64(data[pos : pos+8]),
			Offset:   int64(binary.BigEndian.Uint64(data[pos+8 : pos+16])),
			Size:     int32(binary.BigEndian.Uint32(data[pos+16 : pos+20])),
		}
		pos += 20
	}

	return &Index{Entries: entries}, nil
}

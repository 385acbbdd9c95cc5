package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Store is the durable manifest backing the record store, the offset
// tracker, and the sweeper's two-phase removal.
type Store interface {
	PutSegment(ctx context.Context, entry SegmentEntry) error
	GetSegment(ctx context.Context, id uint64) (*SegmentEntry, error)
	ListSegments(ctx context.Context) ([]SegmentEntry, error)
	DeleteSegment(ctx context.Context, id uint64) error
	MarkCorrupt(ctx context.Context, id uint64) error
	SetArchiveKey(ctx context.Context, id uint64, key string) error
	FindSegmentBySeq(ctx context.Context, seq uint64) (*SegmentEntry, error)

	ListGaps(ctx context.Context) ([]GapEntry, error)
	PruneGaps(ctx context.Context, belowSeq uint64) (int, error)

	PutTombstone(ctx context.Context, entry TombstoneEntry) error
	ListTombstones(ctx context.Context) ([]TombstoneEntry, error)
	DeleteTombstone(ctx context.Context, segmentID uint64) error

	PutConsumer(ctx context.Context, entry ConsumerEntry) error
	GetConsumer(ctx context.Context, id string) (*ConsumerEntry, error)
	ListConsumers(ctx context.Context) ([]ConsumerEntry, error)
	DeleteConsumer(ctx context.Context, id string) error
	SetOffset(ctx context.Context, id string, seq uint64, seen time.Time) error
	GetOffset(ctx context.Context, id string) (uint64, error)

	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a BoltDB manifest.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketSystem,
			bucketSegments,
			bucketSeqIndex,
			bucketGaps,
			bucketTombstones,
			bucketConsumers,
			bucketOffsets,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		sys := tx.Bucket(bucketSystem)
		v := sys.Get(keySchemaVersion)
		if v == nil {
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		if got := bytesToUint64(v); got > currentSchemaVersion {
			return fmt.Errorf("manifest schema version %d newer than supported %d", got, currentSchemaVersion)
		}
		return nil
	})
}

func encodeEntry(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (s *BoltStore) PutSegment(_ context.Context, entry SegmentEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := encodeEntry(&entry)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketSegments).Put(uint64ToBytes(entry.ID), data); err != nil {
			return err
		}
		// Sequence index: firstSeq -> segmentID
		return tx.Bucket(bucketSeqIndex).Put(uint64ToBytes(entry.FirstSeq), uint64ToBytes(entry.ID))
	})
}

func (s *BoltStore) GetSegment(_ context.Context, id uint64) (*SegmentEntry, error) {
	var entry *SegmentEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketSegments).Get(uint64ToBytes(id))
		if raw == nil {
			return fmt.Errorf("segment %d not found", id)
		}
		entry = &SegmentEntry{}
		return decodeEntry(raw, entry)
	})
	return entry, err
}

func (s *BoltStore) ListSegments(_ context.Context) ([]SegmentEntry, error) {
	var entries []SegmentEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSegments).ForEach(func(k, v []byte) error {
			var entry SegmentEntry
			if err := decodeEntry(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) DeleteSegment(_ context.Context, id uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		segments := tx.Bucket(bucketSegments)
		raw := segments.Get(uint64ToBytes(id))
		if raw == nil {
			return nil
		}
		var entry SegmentEntry
		if err := decodeEntry(raw, &entry); err != nil {
			return err
		}
		if err := segments.Delete(uint64ToBytes(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketSeqIndex).Delete(uint64ToBytes(entry.FirstSeq))
	})
}

// MarkCorrupt flags a segment and records its range as a gap in one
// transaction, so readers observe either both or neither.
func (s *BoltStore) MarkCorrupt(_ context.Context, id uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		segments := tx.Bucket(bucketSegments)
		raw := segments.Get(uint64ToBytes(id))
		if raw == nil {
			return fmt.Errorf("segment %d not found", id)
		}
		var entry SegmentEntry
		if err := decodeEntry(raw, &entry); err != nil {
			return err
		}
		if entry.Corrupt {
			return nil
		}
		entry.Corrupt = true

		data, err := encodeEntry(&entry)
		if err != nil {
			return err
		}
		if err := segments.Put(uint64ToBytes(id), data); err != nil {
			return err
		}

		gap := GapEntry{
			FirstSeq:   entry.FirstSeq,
			LastSeq:    entry.LastSeq,
			SegmentID:  entry.ID,
			RecordedAt: time.Now(),
		}
		gapData, err := encodeEntry(&gap)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketGaps).Put(uint64ToBytes(gap.FirstSeq), gapData)
	})
}

func (s *BoltStore) SetArchiveKey(_ context.Context, id uint64, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		segments := tx.Bucket(bucketSegments)
		raw := segments.Get(uint64ToBytes(id))
		if raw == nil {
			return fmt.Errorf("segment %d not found", id)
		}
		var entry SegmentEntry
		if err := decodeEntry(raw, &entry); err != nil {
			return err
		}
		entry.ArchiveKey = key
		data, err := encodeEntry(&entry)
		if err != nil {
			return err
		}
		return segments.Put(uint64ToBytes(id), data)
	})
}

// FindSegmentBySeq returns the segment whose range covers seq, located via
// the firstSeq index (largest indexed key <= seq).
func (s *BoltStore) FindSegmentBySeq(_ context.Context, seq uint64) (*SegmentEntry, error) {
	var entry *SegmentEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSeqIndex).Cursor()

		k, v := c.Seek(uint64ToBytes(seq))
		if k == nil {
			k, v = c.Last()
		} else if bytesToUint64(k) > seq {
			k, v = c.Prev()
		}
		if k == nil {
			return fmt.Errorf("sequence %d not covered by any segment", seq)
		}

		raw := tx.Bucket(bucketSegments).Get(v)
		if raw == nil {
			return fmt.Errorf("segment %d missing for sequence %d", bytesToUint64(v), seq)
		}
		entry = &SegmentEntry{}
		if err := decodeEntry(raw, entry); err != nil {
			return err
		}
		if seq < entry.FirstSeq || seq > entry.LastSeq {
			return fmt.Errorf("sequence %d not covered by any segment", seq)
		}
		return nil
	})
	return entry, err
}

func (s *BoltStore) ListGaps(_ context.Context) ([]GapEntry, error) {
	var gaps []GapEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGaps).ForEach(func(k, v []byte) error {
			var gap GapEntry
			if err := decodeEntry(v, &gap); err != nil {
				return err
			}
			gaps = append(gaps, gap)
			return nil
		})
	})
	return gaps, err
}

func (s *BoltStore) PruneGaps(_ context.Context, belowSeq uint64) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		gaps := tx.Bucket(bucketGaps)
		c := gaps.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var gap GapEntry
			if err := decodeEntry(v, &gap); err != nil {
				return err
			}
			if gap.LastSeq >= belowSeq {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

func (s *BoltStore) PutTombstone(_ context.Context, entry TombstoneEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := encodeEntry(&entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTombstones).Put(uint64ToBytes(entry.SegmentID), data)
	})
}

func (s *BoltStore) ListTombstones(_ context.Context) ([]TombstoneEntry, error) {
	var entries []TombstoneEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTombstones).ForEach(func(k, v []byte) error {
			var entry TombstoneEntry
			if err := decodeEntry(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) DeleteTombstone(_ context.Context, segmentID uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTombstones).Delete(uint64ToBytes(segmentID))
	})
}

func (s *BoltStore) PutConsumer(_ context.Context, entry ConsumerEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := encodeEntry(&entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConsumers).Put([]byte(entry.ID), data)
	})
}

func (s *BoltStore) GetConsumer(_ context.Context, id string) (*ConsumerEntry, error) {
	var entry *ConsumerEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketConsumers).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("consumer %q not found", id)
		}
		entry = &ConsumerEntry{}
		return decodeEntry(raw, entry)
	})
	return entry, err
}

func (s *BoltStore) ListConsumers(_ context.Context) ([]ConsumerEntry, error) {
	var entries []ConsumerEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConsumers).ForEach(func(k, v []byte) error {
			var entry ConsumerEntry
			if err := decodeEntry(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) DeleteConsumer(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketConsumers).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketOffsets).Delete([]byte(id))
	})
}

// SetOffset persists an acknowledged offset and refreshes the consumer's
// last-seen timestamp in the same transaction.
func (s *BoltStore) SetOffset(_ context.Context, id string, seq uint64, seen time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketOffsets).Put([]byte(id), uint64ToBytes(seq)); err != nil {
			return err
		}

		consumers := tx.Bucket(bucketConsumers)
		raw := consumers.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("consumer %q not found", id)
		}
		var entry ConsumerEntry
		if err := decodeEntry(raw, &entry); err != nil {
			return err
		}
		entry.LastSeen = seen
		data, err := encodeEntry(&entry)
		if err != nil {
			return err
		}
		return consumers.Put([]byte(id), data)
	})
}

func (s *BoltStore) GetOffset(_ context.Context, id string) (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketOffsets).Get([]byte(id))
		if v != nil {
			seq = bytesToUint64(v)
		}
		return nil
	})
	return seq, err
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

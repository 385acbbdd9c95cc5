package meta

import (
	"fmt"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// migrate upgrades a manifest written by an older release. Steps are
// idempotent and the stored version is only bumped inside the same
// transaction as the step itself.
func (s *BoltStore) migrate() error {
	var version uint64
	if err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketSystem).Get(keySchemaVersion); v != nil {
			version = bytesToUint64(v)
		}
		return nil
	}); err != nil {
		return err
	}

	if version < 2 {
		if err := s.migrateV1toV2(); err != nil {
			return fmt.Errorf("manifest migration v1 to v2: %w", err)
		}
		s.logger.Info("manifest migrated", zap.Uint64("from", version), zap.Uint64("to", 2))
	}

	return nil
}

// migrateV1toV2 backfills the first-seq index from the segments bucket.
// v1 manifests predate the index and located segments by scanning, so
// every existing segment gets a firstSeq -> segmentID entry here.
func (s *BoltStore) migrateV1toV2() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		seqIndex := tx.Bucket(bucketSeqIndex)
		err := tx.Bucket(bucketSegments).ForEach(func(k, v []byte) error {
			var entry SegmentEntry
			if err := decodeEntry(v, &entry); err != nil {
				return fmt.Errorf("decoding segment during backfill: %w", err)
			}
			return seqIndex.Put(uint64ToBytes(entry.FirstSeq), k)
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSystem).Put(keySchemaVersion, uint64ToBytes(2))
	})
}

package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketClaims      = []byte("claims")
	bucketResolutions = []byte("resolutions")
)

// maxResolutions bounds the history bucket
const maxResolutions = 1000

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "taskworker.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketClaims, bucketResolutions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func claimKey(taskID string, runID int) []byte {
	return []byte(fmt.Sprintf("%s/%d", taskID, runID))
}

// Claim operations
func (s *BoltStore) RecordClaim(claim *ClaimRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClaims)
		data, err := json.Marshal(claim)
		if err != nil {
			return err
		}
		return b.Put(claimKey(claim.TaskID, claim.RunID), data)
	})
}

func (s *BoltStore) SetClaimPhase(taskID string, runID int, phase string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClaims)
		key := claimKey(taskID, runID)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("claim not found: %s", key)
		}

		var claim ClaimRecord
		if err := json.Unmarshal(data, &claim); err != nil {
			return err
		}
		claim.Phase = phase

		updated, err := json.Marshal(&claim)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
}

func (s *BoltStore) ListClaims() ([]*ClaimRecord, error) {
	var claims []*ClaimRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClaims)
		return b.ForEach(func(k, v []byte) error {
			var claim ClaimRecord
			if err := json.Unmarshal(v, &claim); err != nil {
				return err
			}
			claims = append(claims, &claim)
			return nil
		})
	})
	return claims, err
}

func (s *BoltStore) DeleteClaim(taskID string, runID int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClaims)
		return b.Delete(claimKey(taskID, runID))
	})
}

// Resolution operations. Keys are bucket sequence numbers so ForEach walks
// them oldest first.
func (s *BoltStore) RecordResolution(resolution *Resolution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResolutions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(resolution)
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := b.Put(key, data); err != nil {
			return err
		}

		// Trim the oldest entries
		count := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}

		var stale [][]byte
		for k, _ := c.First(); k != nil && count-len(stale) > maxResolutions; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListResolutions returns up to limit resolutions, newest first. A limit of
// zero or less returns everything.
func (s *BoltStore) ListResolutions(limit int) ([]*Resolution, error) {
	var resolutions []*Resolution
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketResolutions).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(resolutions) >= limit {
				break
			}
			var resolution Resolution
			if err := json.Unmarshal(v, &resolution); err != nil {
				return err
			}
			resolutions = append(resolutions, &resolution)
		}
		return nil
	})
	return resolutions, err
}

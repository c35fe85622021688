// Package hashindex is the agent's persistent map from absolute path to
// last-seen content digest, used to decide whether a file needs
// re-uploading.
package hashindex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stormcloud/backup/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketHashIndex = []byte("hashindex")

// Index is the bbolt-backed Hash Index. Keys are raw client paths (the
// agent's native filesystem namespace, not posix-normalized).
type Index struct {
	db *bolt.DB
}

// Open creates the store on first use and is otherwise idempotent.
func Open(dbPath string) (*Index, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("hashindex: create dir: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("hashindex: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHashIndex)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("hashindex: create bucket: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Lookup returns the last-recorded entry for path, or ok=false if absent.
func (idx *Index) Lookup(path string) (entry types.HashEntry, ok bool, err error) {
	err = idx.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHashIndex).Get([]byte(path))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &entry)
	})
	return entry, ok, err
}

// Record upserts the (digest, size, mtime) for path. Must be called only
// after a successful upload — recording a failed upload's digest would
// make the failure permanently unretried.
func (idx *Index) Record(path string, digest []byte, size int64, mtime time.Time) error {
	entry := types.HashEntry{Path: path, Digest: digest, Size: size, Mtime: mtime}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("hashindex: marshal entry for %s: %w", path, err)
	}
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHashIndex).Put([]byte(path), data)
	})
}

// List returns every recorded entry, used to materialize the
// file-metadata manifest after a cycle.
func (idx *Index) List() ([]types.HashEntry, error) {
	var entries []types.HashEntry
	err := idx.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHashIndex).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e types.HashEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Decide applies the component's three-step change-detection policy:
// size+mtime match skips without hashing; a digest match that disagrees
// with mtime/size refreshes the stamp without an upload; anything else
// needs an upload. computeDigest is only invoked when the cheap check
// is inconclusive.
func (idx *Index) Decide(path string, size int64, mtime time.Time, computeDigest func() ([]byte, error)) (needsUpload bool, digest []byte, err error) {
	stored, ok, err := idx.Lookup(path)
	if err != nil {
		return false, nil, err
	}
	if !ok {
		digest, err = computeDigest()
		return true, digest, err
	}

	if stored.Size == size && stored.Mtime.Equal(mtime) {
		return false, stored.Digest, nil
	}

	digest, err = computeDigest()
	if err != nil {
		return false, nil, err
	}

	if bytes.Equal(digest, stored.Digest) {
		// Content is identical but the stamp drifted (e.g. a touch);
		// refresh size/mtime so future cheap checks short-circuit again.
		if recErr := idx.Record(path, digest, size, mtime); recErr != nil {
			return false, digest, recErr
		}
		return false, digest, nil
	}

	return true, digest, nil
}

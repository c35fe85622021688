// Package history is the transactional record of every backup/restore
// attempt and its per-file outcomes, backed by bbolt.
package history

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/stormcloud/backup/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketOperations      = []byte("operations")
	bucketFileRecords     = []byte("file_records")
	bucketFileRecordsByOp = []byte("file_records_by_op")
)

// RecoveryThreshold is how stale an in_progress operation's
// last_modified must be before Open() marks it failed on crash
// recovery.
const RecoveryThreshold = time.Hour

// Store is the bbolt-backed History Store.
type Store struct {
	db *bolt.DB
}

// Open opens the history database, creating buckets on first use, and
// runs crash recovery: any operation still in_progress with
// last_modified older than RecoveryThreshold is marked failed.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("history: create dir: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOperations, bucketFileRecords, bucketFileRecordsByOp} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create buckets: %w", err)
	}

	s := &Store{db: db}
	if err := s.recoverCrashedOperations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewOperationID returns a lexicographically time-ordered, unique
// operation ID: an 8-byte big-endian millisecond timestamp followed by
// a random uuid suffix, hex-encoded. Byte order matches chronological
// order, so the operations bucket's natural key order is also time
// order, with no secondary index needed for list_history.
func NewOperationID() string {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(time.Now().UnixMilli()))
	copy(buf[8:], uuid.New()[:])
	return hex.EncodeToString(buf[:])
}

// StartOperation creates an in_progress Operation row and returns its ID.
func (s *Store) StartOperation(opType types.OperationType, source types.OperationSource, userEmail string) (string, error) {
	opID := NewOperationID()
	now := time.Now()
	op := types.Operation{
		OperationID:   opID,
		Timestamp:     now,
		Source:        source,
		Status:        types.StatusInProgress,
		OperationType: opType,
		UserEmail:     userEmail,
		LastModified:  now,
	}
	return opID, s.putOperation(op)
}

// AddFileRecord appends a FileRecord to op_id and bumps the operation's
// last_modified, all in one transaction.
func (s *Store) AddFileRecord(opID, path string, status types.OperationStatus, errMsg string) error {
	rec := types.FileRecord{
		OperationID:  opID,
		FilePath:     path,
		Timestamp:    time.Now(),
		Status:       status,
		ErrorMessage: errMsg,
	}
	recKey := []byte(opID + "\x00" + uuid.NewString())

	return s.db.Update(func(tx *bolt.Tx) error {
		opBucket := tx.Bucket(bucketOperations)
		opData := opBucket.Get([]byte(opID))
		if opData == nil {
			return fmt.Errorf("history: operation not found: %s", opID)
		}
		var op types.Operation
		if err := json.Unmarshal(opData, &op); err != nil {
			return err
		}
		op.LastModified = time.Now()
		newOpData, err := json.Marshal(op)
		if err != nil {
			return err
		}
		if err := opBucket.Put([]byte(opID), newOpData); err != nil {
			return err
		}

		recData, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketFileRecords).Put(recKey, recData); err != nil {
			return err
		}

		idxBucket := tx.Bucket(bucketFileRecordsByOp)
		var keys []string
		if raw := idxBucket.Get([]byte(opID)); raw != nil {
			if err := json.Unmarshal(raw, &keys); err != nil {
				return err
			}
		}
		keys = append(keys, string(recKey))
		idxData, err := json.Marshal(keys)
		if err != nil {
			return err
		}
		return idxBucket.Put([]byte(opID), idxData)
	})
}

// CompleteOperation sets op_id's final status. Idempotent with respect
// to operations that are already terminal.
func (s *Store) CompleteOperation(opID string, finalStatus types.OperationStatus, errMsg string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		data := b.Get([]byte(opID))
		if data == nil {
			return fmt.Errorf("history: operation not found: %s", opID)
		}
		var op types.Operation
		if err := json.Unmarshal(data, &op); err != nil {
			return err
		}
		if op.Status != types.StatusInProgress {
			return nil // already terminal
		}
		op.Status = finalStatus
		op.ErrorMessage = errMsg
		op.LastModified = time.Now()
		newData, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return b.Put([]byte(opID), newData)
	})
}

// GetOperation returns op_id along with its owned FileRecords.
func (s *Store) GetOperation(opID string) (*types.Operation, error) {
	var op types.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOperations).Get([]byte(opID))
		if data == nil {
			return fmt.Errorf("history: operation not found: %s", opID)
		}
		if err := json.Unmarshal(data, &op); err != nil {
			return err
		}

		var keys []string
		if raw := tx.Bucket(bucketFileRecordsByOp).Get([]byte(opID)); raw != nil {
			if err := json.Unmarshal(raw, &keys); err != nil {
				return err
			}
		}

		recBucket := tx.Bucket(bucketFileRecords)
		for _, key := range keys {
			data := recBucket.Get([]byte(key))
			if data == nil {
				continue
			}
			var rec types.FileRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			op.Files = append(op.Files, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// ListHistory returns Operations of opType, newest-first, paginated.
// page is 1-indexed.
func (s *Store) ListHistory(opType types.OperationType, page, pageSize int) ([]types.Operation, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	skip := (page - 1) * pageSize

	var ops []types.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOperations).Cursor()
		matched := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var op types.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.OperationType != opType {
				continue
			}
			if matched < skip {
				matched++
				continue
			}
			ops = append(ops, op)
			matched++
			if len(ops) >= pageSize {
				break
			}
		}
		return nil
	})
	return ops, err
}

func (s *Store) putOperation(op types.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).Put([]byte(op.OperationID), data)
	})
}

func (s *Store) recoverCrashedOperations() error {
	threshold := time.Now().Add(-RecoveryThreshold)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var op types.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.Status != types.StatusInProgress || op.LastModified.After(threshold) {
				continue
			}
			op.Status = types.StatusFailed
			op.ErrorMessage = "crash recovery"
			op.LastModified = time.Now()
			data, err := json.Marshal(op)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
}

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stormcloud/backup/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketCustomers    = []byte("customers")
	bucketDevices      = []byte("devices")
	bucketCatalog      = []byte("catalog")
	bucketRestoreQueue = []byte("restore_queue")
)

// compositeKey joins a device ID and a client path into a single bbolt key
// so ListCatalogEntries/ListRestoreQueue can prefix-scan per device without
// a secondary index. \x00 cannot appear in a posix path.
func compositeKey(deviceID, clientPath string) []byte {
	return []byte(deviceID + "\x00" + clientPath)
}

// BoltStore implements Store using bbolt, one bucket per entity.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the server's catalog database at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	if err := ensureParentDir(dbPath); err != nil {
		return nil, err
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCustomers, bucketDevices, bucketCatalog, bucketRestoreQueue} {
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

func ensureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Customers ---

func (s *BoltStore) PutCustomer(customer *types.Customer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCustomers)
		data, err := json.Marshal(customer)
		if err != nil {
			return err
		}
		return b.Put([]byte(customer.APIKey), data)
	})
}

func (s *BoltStore) GetCustomerByAPIKey(apiKey string) (*types.Customer, error) {
	var customer types.Customer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCustomers)
		data := b.Get([]byte(apiKey))
		if data == nil {
			return fmt.Errorf("unknown api key")
		}
		return json.Unmarshal(data, &customer)
	})
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// --- Devices ---

func (s *BoltStore) CreateDevice(device *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data, err := json.Marshal(device)
		if err != nil {
			return err
		}
		return b.Put([]byte(device.DeviceID), data)
	})
}

func (s *BoltStore) GetDevice(deviceID string) (*types.Device, error) {
	var device types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(deviceID))
		if data == nil {
			return fmt.Errorf("device not found: %s", deviceID)
		}
		return json.Unmarshal(data, &device)
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *BoltStore) GetDeviceByAgentID(agentID string) (*types.Device, error) {
	var found *types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.ForEach(func(k, v []byte) error {
			var device types.Device
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			if device.AgentID == agentID {
				found = &device
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("device not found for agent: %s", agentID)
	}
	return found, nil
}

func (s *BoltStore) ListDevices() ([]*types.Device, error) {
	var devices []*types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.ForEach(func(k, v []byte) error {
			var device types.Device
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			devices = append(devices, &device)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(device *types.Device) error {
	return s.CreateDevice(device)
}

func (s *BoltStore) DeviceCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketDevices).Stats().KeyN
		return nil
	})
	return count, err
}

// --- Catalog ---

func (s *BoltStore) PutCatalogEntry(entry *types.CatalogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCatalog)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(compositeKey(entry.DeviceID, entry.ClientPath), data)
	})
}

func (s *BoltStore) GetCatalogEntry(deviceID, clientPath string) (*types.CatalogEntry, error) {
	var entry types.CatalogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCatalog)
		data := b.Get(compositeKey(deviceID, clientPath))
		if data == nil {
			return fmt.Errorf("catalog entry not found: %s/%s", deviceID, clientPath)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListCatalogEntries(deviceID string) ([]*types.CatalogEntry, error) {
	var entries []*types.CatalogEntry
	prefix := []byte(deviceID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCatalog).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var entry types.CatalogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) DeleteCatalogEntry(deviceID, clientPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCatalog).Delete(compositeKey(deviceID, clientPath))
	})
}

// --- Restore queue ---

func (s *BoltStore) EnqueueRestore(entry *types.RestoreQueueEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRestoreQueue)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(compositeKey(entry.DeviceID, entry.ClientPath), data)
	})
}

func (s *BoltStore) ListRestoreQueue(deviceID string) ([]*types.RestoreQueueEntry, error) {
	var entries []*types.RestoreQueueEntry
	prefix := []byte(deviceID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRestoreQueue).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var entry types.RestoreQueueEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// the composite key orders entries by client path, not arrival;
	// the queue is drained in enqueue order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
	return entries, nil
}

func (s *BoltStore) MarkRestored(deviceID, clientPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRestoreQueue).Delete(compositeKey(deviceID, clientPath))
	})
}

func (s *BoltStore) RestoreQueueDepths() (map[string]int, error) {
	depths := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRestoreQueue).ForEach(func(k, v []byte) error {
			deviceID := strings.SplitN(string(k), "\x00", 2)[0]
			depths[deviceID]++
			return nil
		})
	})
	return depths, err
}

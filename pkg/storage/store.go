package storage

import (
	"github.com/stormcloud/backup/pkg/types"
)

// Store defines the server's persistent state: the device registry, the
// storage catalog (what a device has backed up, with its current copy's
// size and server path), and the restore queue a device drains on its
// next keepalive.
type Store interface {
	// Customers
	PutCustomer(customer *types.Customer) error
	GetCustomerByAPIKey(apiKey string) (*types.Customer, error)

	// Devices
	CreateDevice(device *types.Device) error
	GetDevice(deviceID string) (*types.Device, error)
	GetDeviceByAgentID(agentID string) (*types.Device, error)
	ListDevices() ([]*types.Device, error)
	UpdateDevice(device *types.Device) error
	DeviceCount() (int, error)

	// Catalog
	PutCatalogEntry(entry *types.CatalogEntry) error
	GetCatalogEntry(deviceID, clientPath string) (*types.CatalogEntry, error)
	ListCatalogEntries(deviceID string) ([]*types.CatalogEntry, error)
	DeleteCatalogEntry(deviceID, clientPath string) error

	// Restore queue
	EnqueueRestore(entry *types.RestoreQueueEntry) error
	ListRestoreQueue(deviceID string) ([]*types.RestoreQueueEntry, error)
	MarkRestored(deviceID, clientPath string) error
	RestoreQueueDepths() (map[string]int, error)

	Close() error
}

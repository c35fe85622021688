/*
Package storage is the backup server's bbolt-backed persistence: the
device registry, the storage catalog (what each device has backed up,
with the size and server path of its current copy; rotated versions
are tracked only on disk, not in the catalog), and the restore queue
a device drains on its next keepalive.

Catalog and restore queue entries are keyed by deviceID+"\x00"+clientPath
so ListCatalogEntries and ListRestoreQueue can prefix-scan per device
with a bbolt cursor instead of a secondary index.

	store, err := storage.NewBoltStore("/var/lib/stormcloud-server/catalog.db")
	...
	defer store.Close()

layout.go handles the on-disk side: computing a client file's canonical
server path and writing it with .SCVERS version rotation, independent
of the bbolt-backed catalog above.
*/
package storage

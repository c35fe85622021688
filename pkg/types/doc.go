/*
Package types defines the core data structures shared between the
backup agent and the backup server: Settings, the Hash Index entry,
History's Operation/FileRecord pair, BackupState, and the server's
storage catalog and restore queue entries.

These types intentionally carry no behavior — validation and mutation
live in the packages that own each store (hashindex, history, storage,
backupstate). types exists so those packages, and the wire codecs in
transport and server, share one vocabulary.
*/
package types

/*
Package history records every backup/restore attempt and its per-file
outcomes in bbolt. Operation IDs are time-ordered (a millisecond
timestamp prefix plus a uuid suffix) so ListHistory can walk the
operations bucket newest-first with a plain cursor, no secondary index.

Open runs crash recovery once: any operation still in_progress past
RecoveryThreshold is marked failed so no Operation is left dangling
after an unclean shutdown.
*/
package history

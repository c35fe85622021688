// Package backupstate guards against overlapping backup cycles: at
// most one cycle is in_progress at a time, per agent.
package backupstate

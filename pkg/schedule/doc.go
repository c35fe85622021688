// Package schedule decides whether a backup cycle is due right now,
// given a calendar schedule, the last time the check ran, and whether
// a cycle is already in progress.
package schedule

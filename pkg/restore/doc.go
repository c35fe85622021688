// Package restore is documented in restore.go.
package restore

// Package drivemonitor is documented in drivemonitor.go.
package drivemonitor

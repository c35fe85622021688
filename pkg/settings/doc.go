// Package settings is documented in settings.go.
package settings

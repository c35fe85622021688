// Package server is documented in server.go.
package server

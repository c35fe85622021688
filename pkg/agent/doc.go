// Package agent is the orchestrator that drives the backup agent's main
// loop: reloading settings, keeping the keepalive worker alive, deciding
// when a backup cycle is due, walking configured paths, and recording
// outcomes through the Hash Index and History Store.
package agent

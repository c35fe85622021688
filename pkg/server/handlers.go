package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stormcloud/backup/pkg/apperr"
	"github.com/stormcloud/backup/pkg/storage"
	"github.com/stormcloud/backup/pkg/types"
)

// maxSingleUploadSize is the largest body backup_file accepts; larger
// uploads must come in via backup_file_stream. The agent switches to
// backup_file_stream at its own, lower threshold (8 MiB).
const maxSingleUploadSize = 200 * 1024 * 1024

// maxNonChunkedRestoreSize is the largest file restore_file will
// return as one response body rather than requiring Range requests.
const maxNonChunkedRestoreSize = 300 * 1024 * 1024

func handleHello(_ context.Context, _ *Server, w http.ResponseWriter, _ envelope) error {
	writeJSON(w, map[string]any{"hello-response": "hello"})
	return nil
}

func handleValidateAPIKey(_ context.Context, s *Server, w http.ResponseWriter, env envelope) error {
	if _, _, err := requireAuth(s, env, false); err != nil {
		return err
	}
	writeJSON(w, map[string]any{"validate_api_key-response": "ok"})
	return nil
}

func handleRegisterDevice(_ context.Context, s *Server, w http.ResponseWriter, env envelope) error {
	customerID, _, err := requireAuth(s, env, false)
	if err != nil {
		return err
	}

	secretKey, err := randomHex(32)
	if err != nil {
		return fmt.Errorf("generating secret key: %w", err)
	}

	device := &types.Device{
		DeviceID:     uuid.NewString(),
		AgentID:      uuid.NewString(),
		CustomerID:   customerID,
		SecretKey:    secretKey,
		LastCallback: time.Now(),
	}
	if hostname, ok := env.fields["hostname"].(string); ok {
		device.Hostname = hostname
	}
	if os, ok := env.fields["os"].(string); ok {
		device.OS = os
	}

	if err := s.store.CreateDevice(device); err != nil {
		return fmt.Errorf("registering device: %w", err)
	}

	writeJSON(w, map[string]any{
		"register_new_device-response": "ok",
		"secret_key":                   device.SecretKey,
		"agent_id":                     device.AgentID,
	})
	return nil
}

// handleBackupFile and handleBackupFileStream both arrive as a
// multipart request carrying a "json" envelope part and a "content"
// file part — the Transport Client picks the request_type by size, not
// the wire shape. Only backup_file enforces the single-request size
// ceiling; backup_file_stream is unbounded.

func handleBackupFile(ctx context.Context, s *Server, w http.ResponseWriter, env envelope) error {
	return handleUpload(ctx, s, w, env, "backup_file", maxSingleUploadSize)
}

func handleBackupFileStream(ctx context.Context, s *Server, w http.ResponseWriter, env envelope) error {
	return handleUpload(ctx, s, w, env, "backup_file_stream", 0)
}

func handleUpload(ctx context.Context, s *Server, w http.ResponseWriter, env envelope, requestType string, maxSize int64) error {
	customerID, deviceID, err := requireAuth(s, env, true)
	if err != nil {
		return err
	}
	if env.fileContent == nil {
		return apperr.Newf(apperr.Protocol, "missing content part")
	}

	pathB64, _ := env.fields["file_path_b64"].(string)
	if pathB64 == "" {
		return apperr.Newf(apperr.Protocol, "missing file_path_b64")
	}
	pathBytes, err := base64.StdEncoding.DecodeString(pathB64)
	if err != nil {
		return apperr.Newf(apperr.Protocol, "malformed file_path_b64: %v", err)
	}

	content := env.fileContent
	if maxSize > 0 {
		limited := io.LimitReader(env.fileContent, maxSize+1)
		buf, err := io.ReadAll(limited)
		if err != nil {
			return apperr.New(apperr.LocalIO, err)
		}
		if int64(len(buf)) > maxSize {
			return &errTooLarge{cause: fmt.Errorf("content exceeds single-request limit of %d bytes", maxSize)}
		}
		content = newByteReader(buf)
	}

	return s.storeUpload(ctx, w, customerID, deviceID, string(pathBytes), content, requestType)
}

// storeUpload writes content to its versioned on-disk location and
// records the catalog entry, shared by the single-shot and streaming
// backup handlers.
func (s *Server) storeUpload(_ context.Context, w http.ResponseWriter, customerID, deviceID, clientPath string, content io.Reader, requestType string) error {
	clientPosix := normalizeClientPath(clientPath)
	serverPath := storage.ServerPath(s.storageRoot, customerID, deviceID, clientPosix)

	size, err := storage.WriteVersioned(serverPath, content, s.maxVersions)
	if err != nil {
		return apperr.New(apperr.LocalIO, err)
	}

	entry := &types.CatalogEntry{
		DeviceID:     deviceID,
		ClientPath:   clientPosix,
		ServerPath:   serverPath,
		Size:         size,
		LastModified: time.Now(),
	}
	if err := s.store.PutCatalogEntry(entry); err != nil {
		return fmt.Errorf("updating catalog: %w", err)
	}

	writeJSON(w, map[string]any{requestType + "-response": "ok"})
	return nil
}

func handleKeepalive(_ context.Context, s *Server, w http.ResponseWriter, env envelope) error {
	_, deviceID, err := requireAuth(s, env, true)
	if err != nil {
		return err
	}

	device, err := s.store.GetDevice(deviceID)
	if err != nil {
		return fmt.Errorf("loading device: %w", err)
	}
	device.LastCallback = time.Now()
	device.Status = 0
	if err := s.store.UpdateDevice(device); err != nil {
		return fmt.Errorf("updating device liveness: %w", err)
	}

	pending, err := s.store.ListRestoreQueue(deviceID)
	if err != nil {
		return fmt.Errorf("listing restore queue: %w", err)
	}

	queue := make([]map[string]string, 0, len(pending))
	for _, entry := range pending {
		item := map[string]string{"file_path": entry.ClientPath}
		if entry.VersionID != "" {
			item["version_id"] = entry.VersionID
		}
		queue = append(queue, item)
	}

	writeJSON(w, map[string]any{
		"keepalive-response": "ok",
		"restore_queue":      queue,
	})
	return nil
}

func handleQueueFileForRestore(_ context.Context, s *Server, w http.ResponseWriter, env envelope) error {
	_, deviceID, err := requireAuth(s, env, true)
	if err != nil {
		return err
	}

	clientPath, _ := env.fields["file_path"].(string)
	if clientPath == "" {
		return apperr.Newf(apperr.Protocol, "missing file_path")
	}
	clientPosix := normalizeClientPath(clientPath)

	if _, err := s.store.GetCatalogEntry(deviceID, clientPosix); err != nil {
		return apperr.Newf(apperr.Protocol, "unknown file: %s", clientPosix)
	}

	versionID, _ := env.fields["version_id"].(string)
	if err := s.store.EnqueueRestore(&types.RestoreQueueEntry{
		DeviceID:   deviceID,
		ClientPath: clientPosix,
		VersionID:  versionID,
		EnqueuedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("enqueueing restore: %w", err)
	}

	writeJSON(w, map[string]any{"queue_file_for_restore-response": "ok"})
	return nil
}

func handleRestoreFile(_ context.Context, s *Server, w http.ResponseWriter, env envelope) error {
	_, deviceID, err := requireAuth(s, env, true)
	if err != nil {
		return err
	}

	pathB64, _ := env.fields["file_path_b64"].(string)
	if pathB64 == "" {
		return apperr.Newf(apperr.Protocol, "missing file_path_b64")
	}
	pathBytes, err := base64.StdEncoding.DecodeString(pathB64)
	if err != nil {
		return apperr.Newf(apperr.Protocol, "malformed file_path_b64: %v", err)
	}
	clientPosix := normalizeClientPath(string(pathBytes))

	entry, err := s.store.GetCatalogEntry(deviceID, clientPosix)
	if err != nil {
		return apperr.Newf(apperr.Protocol, "unknown file: %s", clientPosix)
	}

	offset, length, chunked := parseRangeRequest(env, entry.Size)
	if !chunked && entry.Size > maxNonChunkedRestoreSize {
		return &errTooLarge{cause: fmt.Errorf("file exceeds non-chunked restore limit; use range requests")}
	}

	data, status, err := readFileRange(entry.ServerPath, offset, length)
	if err != nil {
		return apperr.New(apperr.LocalIO, err)
	}

	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(data))-1, entry.Size))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(status)
		w.Write(data)
		return nil
	}

	writeJSON(w, map[string]any{
		"restore_file-response": "ok",
		"file_content":          base64.StdEncoding.EncodeToString(data),
	})
	return nil
}

func handleRestoreComplete(_ context.Context, s *Server, w http.ResponseWriter, env envelope) error {
	_, deviceID, err := requireAuth(s, env, true)
	if err != nil {
		return err
	}

	pathB64, _ := env.fields["file_path_b64"].(string)
	if pathB64 == "" {
		return apperr.Newf(apperr.Protocol, "missing file_path_b64")
	}
	pathBytes, err := base64.StdEncoding.DecodeString(pathB64)
	if err != nil {
		return apperr.Newf(apperr.Protocol, "malformed file_path_b64: %v", err)
	}
	clientPosix := normalizeClientPath(string(pathBytes))

	if err := s.store.MarkRestored(deviceID, clientPosix); err != nil {
		return fmt.Errorf("marking restored: %w", err)
	}

	writeJSON(w, map[string]any{"restore_complete-response": "ok"})
	return nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

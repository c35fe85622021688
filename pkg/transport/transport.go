// Package transport is the agent's HTTP client for the backup server's
// JSON+multipart protocol: device registration, keepalive, upload, and
// restore. Control calls run under a 10s context timeout; streaming
// bodies use only the caller-supplied context, since an upload of a
// large file legitimately takes longer than any fixed client timeout.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stormcloud/backup/pkg/apperr"
)

const controlTimeout = 10 * time.Second

// Client talks to one backup server on behalf of one agent.
type Client struct {
	baseURL    string
	apiKey     string
	agentID    string
	httpClient *http.Client
	maxRetries uint64
	retryInitial time.Duration
}

// Option customizes a Client at construction time.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client (tests use this to
// point at an httptest.Server with a trimmed timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries overrides the default retry count (2).
func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithRetryInitialInterval overrides the default 1s initial backoff
// interval (tests use this to keep retry scenarios fast).
func WithRetryInitialInterval(d time.Duration) Option {
	return func(c *Client) { c.retryInitial = d }
}

// NewClient returns a Client pointed at baseURL, authenticated with
// apiKey/agentID. agentID may be empty before registration completes.
func NewClient(baseURL, apiKey, agentID string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		agentID:    agentID,
		httpClient:   &http.Client{},
		maxRetries:   2,
		retryInitial: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAgentID records the agent_id issued by register_device.
func (c *Client) SetAgentID(agentID string) { c.agentID = agentID }

// EncodePath base64-std-encodes a client-native path for the
// file_path/file_path_b64 field, preserving backslashes and non-ASCII
// bytes that JSON string escaping would otherwise mangle.
func EncodePath(path string) string {
	return base64.StdEncoding.EncodeToString([]byte(path))
}

// KeepaliveResult is the decoded keepalive-response payload.
type KeepaliveResult struct {
	RestoreQueue []RestoreQueueItem `json:"restore_queue"`
}

// RestoreQueueItem is one pending restore surfaced by keepalive.
type RestoreQueueItem struct {
	FilePath  string `json:"file_path"`
	VersionID string `json:"version_id,omitempty"`
}

// RegisterDevice submits a survey of device metadata and returns the
// secret_key/agent_id the server assigns.
func (c *Client) RegisterDevice(ctx context.Context, survey map[string]any) (secretKey, agentID string, err error) {
	body := map[string]any{
		"request_type": "register_new_device",
		"api_key":      c.apiKey,
	}
	for k, v := range survey {
		body[k] = v
	}

	var resp struct {
		SecretKey string `json:"secret_key"`
		AgentID   string `json:"agent_id"`
	}
	if err := c.doJSON(ctx, body, &resp); err != nil {
		return "", "", err
	}
	return resp.SecretKey, resp.AgentID, nil
}

// Keepalive reports liveness and returns the server's restore queue
// for this device.
func (c *Client) Keepalive(ctx context.Context) (*KeepaliveResult, error) {
	body := map[string]any{
		"request_type": "keepalive",
		"api_key":      c.apiKey,
		"agent_id":     c.agentID,
	}
	var resp KeepaliveResult
	if err := c.doJSON(ctx, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadSmall sends the full file content in one multipart round trip.
func (c *Client) UploadSmall(ctx context.Context, clientPath string, content []byte) error {
	return c.upload(ctx, "backup_file", clientPath, bytes.NewReader(content), int64(len(content)), controlTimeout)
}

// UploadStream sends content from r without buffering it in memory,
// for files too large for UploadSmall. No client-side timeout is
// applied beyond ctx — the caller controls how long an upload may run.
func (c *Client) UploadStream(ctx context.Context, clientPath string, r io.Reader, size int64) error {
	return c.upload(ctx, "backup_file_stream", clientPath, r, size, 0)
}

func (c *Client) upload(ctx context.Context, requestType, clientPath string, r io.Reader, size int64, timeout time.Duration) error {
	operation := func() error {
		// A retry must resend the whole body, not what the failed
		// attempt left unread.
		if s, ok := r.(io.Seeker); ok {
			if _, err := s.Seek(0, io.SeekStart); err != nil {
				return apperr.New(apperr.LocalIO, err)
			}
		}
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)

		go func() {
			defer pw.Close()
			defer mw.Close()

			meta := map[string]string{
				"request_type":  requestType,
				"api_key":       c.apiKey,
				"agent_id":      c.agentID,
				"file_path_b64": EncodePath(clientPath),
			}
			metaJSON, err := json.Marshal(meta)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if err := mw.WriteField("json", string(metaJSON)); err != nil {
				pw.CloseWithError(err)
				return
			}
			part, err := mw.CreateFormFile("content", "content")
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(part, r); err != nil {
				pw.CloseWithError(err)
				return
			}
		}()

		callCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL, pr)
		if err != nil {
			return apperr.New(apperr.LocalIO, err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.ContentLength = -1

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apperr.New(apperr.Transient, err)
		}
		defer resp.Body.Close()
		return classifyStatus(resp)
	}

	return c.retry(ctx, operation)
}

// Restore fetches length bytes of clientPath starting at offset, sent
// as a Range header; length 0 sends no Range header and fetches the
// whole file. The Restore Worker issues successive ranged calls of one
// chunk each.
func (c *Client) Restore(ctx context.Context, clientPath, versionID string, offset, length int64) ([]byte, error) {
	var result []byte
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, controlTimeout)
		defer cancel()

		body := map[string]any{
			"request_type":  "restore_file",
			"api_key":       c.apiKey,
			"agent_id":      c.agentID,
			"file_path_b64": EncodePath(clientPath),
		}
		if versionID != "" {
			body["version_id"] = versionID
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return apperr.New(apperr.LocalIO, err)
		}

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
		if err != nil {
			return apperr.New(apperr.LocalIO, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if length > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apperr.New(apperr.Transient, err)
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp); err != nil {
			return err
		}

		if resp.StatusCode == http.StatusPartialContent {
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return apperr.New(apperr.Transient, err)
			}
			result = data
			return nil
		}

		var parsed struct {
			FileContent string `json:"file_content"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return apperr.New(apperr.Protocol, err)
		}
		data, err := base64.StdEncoding.DecodeString(parsed.FileContent)
		if err != nil {
			return apperr.New(apperr.Protocol, err)
		}
		result = data
		return nil
	}

	if err := c.retry(ctx, operation); err != nil {
		return nil, err
	}
	return result, nil
}

// RestoreComplete notifies the server that clientPath was written and
// renamed successfully, clearing it from the restore queue.
func (c *Client) RestoreComplete(ctx context.Context, clientPath string) error {
	body := map[string]any{
		"request_type":  "restore_complete",
		"api_key":       c.apiKey,
		"agent_id":      c.agentID,
		"file_path_b64": EncodePath(clientPath),
	}
	return c.doJSON(ctx, body, nil)
}

// doJSON performs a single JSON request/response round trip under
// control-call timeout and retry policy.
func (c *Client) doJSON(ctx context.Context, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperr.New(apperr.LocalIO, err)
	}

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, controlTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
		if err != nil {
			return apperr.New(apperr.LocalIO, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apperr.New(apperr.Transient, err)
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp); err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperr.New(apperr.Protocol, err)
		}
		return nil
	}

	return c.retry(ctx, operation)
}

// retry wraps operation in exponential backoff (1s initial, factor 2,
// at most maxRetries retries after the first attempt). Only
// apperr.Transient errors are retried; auth, protocol and local errors
// stop after the first attempt.
func (c *Client) retry(ctx context.Context, operation func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	bo.Multiplier = 2
	bounded := backoff.WithMaxRetries(bo, c.maxRetries)

	return backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if !apperr.Is(err, apperr.Transient) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bounded, ctx))
}

// classifyStatus maps a non-2xx response to the apperr taxonomy. 401
// is always Auth (never retried); everything else transient-ish is
// left retryable.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return apperr.Newf(apperr.Auth, "server rejected credentials: %s", msg)
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return apperr.Newf(apperr.Protocol, "server rejected request: %s", msg)
	default:
		return apperr.Newf(apperr.Transient, "server error %d: %s", resp.StatusCode, msg)
	}
}

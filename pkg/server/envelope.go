package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// envelope is a decoded request: its request_type plus every other
// JSON field, and — for uploads — the raw file body as a stream
// rather than a buffered field (so large uploads never load fully
// into memory).
type envelope struct {
	requestType string
	fields      map[string]any
	fileContent io.Reader
	fileSize    int64  // 0 means unknown (streamed, size not declared)
	rangeHeader string // raw HTTP Range header, set for restore_file requests
}

// forbiddenSubstrings is the sanitization filter's deny list. file
// content and the raw multipart body are exempt; every other string
// field is checked.
var forbiddenSubstrings = []string{`'`, `"`, `;`, `\`, `--`, `*`, `%`}

// exemptFields never pass through the sanitization filter, since they
// legitimately carry arbitrary bytes (base64 payloads, free-form
// survey text describing a host) or are re-validated by their own
// handler.
var exemptFields = map[string]bool{
	"content": true,
	"survey":  true,
}

func decodeEnvelope(r *http.Request) (envelope, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return envelope{}, fmt.Errorf("bad content-type: %w", err)
	}

	var env envelope
	switch {
	case mediaType == "application/json":
		env, err = decodeJSONEnvelope(r.Body)
	case strings.HasPrefix(mediaType, "multipart/"):
		env, err = decodeMultipartEnvelope(r)
	default:
		return envelope{}, fmt.Errorf("unsupported content-type %q", mediaType)
	}
	if err != nil {
		return envelope{}, err
	}
	env.rangeHeader = r.Header.Get("Range")
	return env, nil
}

func decodeJSONEnvelope(body io.Reader) (envelope, error) {
	var fields map[string]any
	if err := json.NewDecoder(body).Decode(&fields); err != nil {
		return envelope{}, fmt.Errorf("decoding json body: %w", err)
	}
	reqType, _ := fields["request_type"].(string)
	if reqType == "" {
		return envelope{}, fmt.Errorf("missing request_type")
	}
	return envelope{requestType: reqType, fields: fields}, nil
}

func decodeMultipartEnvelope(r *http.Request) (envelope, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return envelope{}, fmt.Errorf("opening multipart reader: %w", err)
	}

	var env envelope
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return envelope{}, fmt.Errorf("reading multipart: %w", err)
		}

		switch part.FormName() {
		case "json":
			var fields map[string]any
			if err := json.NewDecoder(part).Decode(&fields); err != nil {
				return envelope{}, fmt.Errorf("decoding json part: %w", err)
			}
			reqType, _ := fields["request_type"].(string)
			if reqType == "" {
				return envelope{}, fmt.Errorf("missing request_type")
			}
			env.requestType = reqType
			env.fields = fields
		case "content":
			env.fileContent = part
			return env, nil // caller streams the remainder directly from the wire
		}
	}
	if env.fields == nil {
		return envelope{}, fmt.Errorf("multipart request missing json part")
	}
	return env, nil
}

// sanitizeEnvelope rejects any non-exempt string field containing a
// forbidden substring.
func sanitizeEnvelope(env envelope) error {
	for key, value := range env.fields {
		if exemptFields[key] || key == "request_type" {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		for _, forbidden := range forbiddenSubstrings {
			if strings.Contains(s, forbidden) {
				return fmt.Errorf("field %q contains a disallowed character sequence", key)
			}
		}
	}
	return nil
}

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NodeInfo identifies one storage node. Addr is a plain host:port reachable
// over the node wire protocol.
type NodeInfo struct {
	ID   string `json:"id" yaml:"id"`
	Addr string `json:"addr" yaml:"addr"`
}

// ErrInvalidKey is returned by SplitFileKey for keys that are not department/filename.
var ErrInvalidKey = errors.New("invalid file key")

// FileKey joins a department and filename into the key used by the location
// directory, the edit lock table and the node lock table.
func FileKey(department, filename string) string {
	return department + "/" + filename
}

// SplitFileKey is the inverse of FileKey.
func SplitFileKey(key string) (department, filename string, err error) {
	department, filename, ok := strings.Cut(key, "/")
	if !ok || department == "" || filename == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return department, filename, nil
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends body as JSON and decodes the reply into out, if non-nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return doJSON(ctx, http.MethodPost, url, bytes.NewReader(payload), out)
}

// GetJSON fetches url and decodes the reply into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, http.MethodGet, url, nil, out)
}

func doJSON(ctx context.Context, method, url string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		se := &StatusError{URL: url, Code: resp.StatusCode}
		var reply struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&reply) == nil {
			se.Message = reply.Error
		}
		return se
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StatusError reports a non-2xx reply. Message carries the "error" field of
// a JSON error body when there was one.
type StatusError struct {
	URL     string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %s: %d %s", e.URL, e.Code, e.Message)
	}
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

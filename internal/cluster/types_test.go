package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNodeInfoJSON verifies the JSON field names used by the /nodes endpoint.
func TestNodeInfoJSON(t *testing.T) {
	data, err := json.Marshal(NodeInfo{ID: "node-1", Addr: "127.0.0.1:5001"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"node-1","addr":"127.0.0.1:5001"}`, string(data))
}

func TestFileKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		dept    string
		file    string
		wantErr bool
	}{
		{name: "simple", key: "QA/a.txt", dept: "QA", file: "a.txt"},
		{name: "missing separator", key: "QA", wantErr: true},
		{name: "empty department", key: "/a.txt", wantErr: true},
		{name: "empty filename", key: "QA/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dept, file, err := SplitFileKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dept, dept)
			assert.Equal(t, tt.file, file)
			assert.Equal(t, tt.key, FileKey(dept, file))
		})
	}
}

// TestPostJSON verifies request encoding, response decoding and status errors.
func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["msg"]})
	}))
	defer srv.Close()

	var out map[string]string
	require.NoError(t, PostJSON(context.Background(), srv.URL+"/ok", map[string]string{"msg": "hi"}, &out))
	assert.Equal(t, "hi", out["echo"])

	require.NoError(t, PostJSON(context.Background(), srv.URL+"/ok", map[string]string{}, nil))

	err := PostJSON(context.Background(), srv.URL+"/fail", nil, nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.Code)
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode([]NodeInfo{{ID: "node-1", Addr: "127.0.0.1:5001"}})
	}))
	defer srv.Close()

	var nodes []NodeInfo
	require.NoError(t, GetJSON(context.Background(), srv.URL+"/nodes", &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-1", nodes[0].ID)

	err := GetJSON(context.Background(), srv.URL+"/missing", &nodes)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestStatusErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	}))
	defer srv.Close()

	err := GetJSON(context.Background(), srv.URL, nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "rate limit exceeded", se.Message)
	assert.Contains(t, err.Error(), "429 rate limit exceeded")
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newESServer returns a test server that looks like Elasticsearch to the
// official client (which checks the product header).
func newESServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{URL: url, Index: "wids-wireless-features"})
	require.NoError(t, err)
	return c
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_RequiresURLAndIndex(t *testing.T) {
	_, err := New(Config{Index: "x"})
	assert.Error(t, err)

	_, err = New(Config{URL: "http://localhost:9200"})
	assert.Error(t, err)
}

func TestNew_BadCAFile(t *testing.T) {
	_, err := New(Config{URL: "https://localhost:9200", Index: "x", CACertFile: "/nonexistent/ca.pem"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading CA certificate")
}

// TestNew_APIKeyTakesPrecedence verifies basic auth is not sent when an API
// key is configured.
func TestNew_APIKeyTakesPrecedence(t *testing.T) {
	var authHeader string
	server := newESServer(t, func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	})

	c, err := New(Config{
		URL:      server.URL,
		Index:    "idx",
		Username: "elastic",
		Password: "changeme",
		APIKey:   "a2V5LWlkOnNlY3JldA==",
	})
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))

	assert.Equal(t, "ApiKey a2V5LWlkOnNlY3JldA==", authHeader)
}

func TestNew_BasicAuth(t *testing.T) {
	var user, pass string
	var ok bool
	server := newESServer(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok = r.BasicAuth()
		w.Write([]byte(`{}`))
	})

	c, err := New(Config{URL: server.URL, Index: "idx", Username: "elastic", Password: "changeme"})
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))

	assert.True(t, ok)
	assert.Equal(t, "elastic", user)
	assert.Equal(t, "changeme", pass)
}

// =============================================================================
// Discovery Tests
// =============================================================================

func TestFindMissingContext_QueryShape(t *testing.T) {
	var query map[string]any
	server := newESServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wids-wireless-features/_search", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &query))
		w.Write([]byte(`{"hits":{"hits":[]}}`))
	})

	docs, err := newTestClient(t, server.URL).FindMissingContext(context.Background(), "now-24h", 10)
	require.NoError(t, err)
	assert.Empty(t, docs)

	assert.EqualValues(t, 10, query["size"])

	sort := query["sort"].([]any)[0].(map[string]any)
	assert.Equal(t, "desc", sort["@timestamp"].(map[string]any)["order"])

	boolQuery := query["query"].(map[string]any)["bool"].(map[string]any)
	rangeFilter := boolQuery["filter"].([]any)[0].(map[string]any)["range"].(map[string]any)
	assert.Equal(t, "now-24h", rangeFilter["@timestamp"].(map[string]any)["gte"])

	exists := boolQuery["must_not"].([]any)[0].(map[string]any)["exists"].(map[string]any)
	assert.Equal(t, "context.summary", exists["field"])
}

// TestFindMissingContext_SkipsIncompleteHits verifies hits without an id or
// source payload never reach the caller.
func TestFindMissingContext_SkipsIncompleteHits(t *testing.T) {
	server := newESServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"hits":{"hits":[
			{"_id":"a","_source":{"ssid_entropy":3.5,"rssi_mean":-60}},
			{"_id":"","_source":{"rssi_mean":-70}},
			{"_id":"c"},
			{"_id":"d","_source":{}},
			{"_id":"e","_source":{"bssid":"aa:bb:cc:dd:ee:ff"}}
		]}}`))
	})

	docs, err := newTestClient(t, server.URL).FindMissingContext(context.Background(), "now-24h", 10)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, 3.5, docs[0].Source["ssid_entropy"])
	assert.Equal(t, "e", docs[1].ID)
}

func TestFindMissingContext_CapsAtLimit(t *testing.T) {
	server := newESServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"hits":{"hits":[
			{"_id":"1","_source":{"a":1}},
			{"_id":"2","_source":{"a":2}},
			{"_id":"3","_source":{"a":3}}
		]}}`))
	})

	docs, err := newTestClient(t, server.URL).FindMissingContext(context.Background(), "now-24h", 2)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestFindMissingContext_ServerError(t *testing.T) {
	server := newESServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"cluster_block_exception"}`))
	})

	_, err := newTestClient(t, server.URL).FindMissingContext(context.Background(), "now-24h", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestFindMissingContext_Unreachable(t *testing.T) {
	server := newESServer(t, func(w http.ResponseWriter, r *http.Request) {})
	url := server.URL
	server.Close()

	_, err := newTestClient(t, url).FindMissingContext(context.Background(), "now-24h", 10)
	assert.Error(t, err)
}

// =============================================================================
// Write Tests
// =============================================================================

func TestWriteContext_PartialMerge(t *testing.T) {
	var body map[string]any
	server := newESServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/wids-wireless-features/_update/abc", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))
		w.Write([]byte(`{"result":"updated"}`))
	})

	record := map[string]any{"summary": "Likely benign AP."}
	err := newTestClient(t, server.URL).WriteContext(context.Background(), "abc", record)
	require.NoError(t, err)

	require.Contains(t, body, "doc")
	doc := body["doc"].(map[string]any)
	assert.Len(t, doc, 1, "only the context key is sent")
	assert.Equal(t, "Likely benign AP.", doc["context"].(map[string]any)["summary"])
}

func TestWriteContext_NotFound(t *testing.T) {
	server := newESServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"type":"document_missing_exception"}}`))
	})

	err := newTestClient(t, server.URL).WriteContext(context.Background(), "gone", map[string]any{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDocumentNotFound))
}

func TestWriteContext_FailsLoudly(t *testing.T) {
	server := newESServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"es_rejected_execution_exception"}`))
	})

	err := newTestClient(t, server.URL).WriteContext(context.Background(), "abc", map[string]any{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "429"))
}

func TestWriteContext_RequiresID(t *testing.T) {
	c, err := New(Config{URL: "http://localhost:9200", Index: "x"})
	require.NoError(t, err)
	assert.Error(t, c.WriteContext(context.Background(), "", map[string]any{}))
}

// =============================================================================
// Info Tests
// =============================================================================

func TestInfo(t *testing.T) {
	server := newESServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cluster_name":"wids","version":{"number":"8.15.0"}}`))
	})

	info, err := newTestClient(t, server.URL).Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wids", info.ClusterName)
	assert.Equal(t, "8.15.0", info.Version.Number)
}

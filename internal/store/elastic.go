// Package store isolates every interaction with the Elasticsearch index that
// holds wireless telemetry documents.
package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// TimestampField orders discovery and bounds the time window.
const TimestampField = "@timestamp"

// SummaryField marks a document as already enriched.
const SummaryField = "context.summary"

// ErrDocumentNotFound is returned when an update targets a missing document.
var ErrDocumentNotFound = errors.New("document not found")

// Document is one discovery candidate.
type Document struct {
	ID     string
	Source map[string]any
}

// ClusterInfo is the subset of the root endpoint logged at startup.
type ClusterInfo struct {
	ClusterName string `json:"cluster_name"`
	Version     struct {
		Number string `json:"number"`
	} `json:"version"`
}

// Config holds connection settings.
type Config struct {
	URL         string
	Index       string
	Username    string
	Password    string
	APIKey      string
	VerifyCerts bool
	CACertFile  string
}

// Client wraps a long-lived Elasticsearch connection bound to one index.
type Client struct {
	es    *elasticsearch.Client
	index string
}

// New creates a client. No request is issued; use Info or Ping to probe.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("elasticsearch URL is required")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("elasticsearch index is required")
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	esCfg := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Transport: transport,
	}
	// An API key wins over basic auth when both are configured.
	if cfg.APIKey != "" {
		esCfg.APIKey = cfg.APIKey
	} else if cfg.Username != "" && cfg.Password != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}

	return &Client{es: es, index: cfg.Index}, nil
}

func newTransport(cfg Config) (*http.Transport, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !cfg.VerifyCerts, //nolint:gosec // operator toggle for self-signed lab clusters
	}

	if cfg.CACertFile != "" {
		pem, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertFile)
		}
		tlsCfg.RootCAs = pool
	}

	tr.TLSClientConfig = tlsCfg
	return tr, nil
}

// Index returns the index this client reads and writes.
func (c *Client) Index() string {
	return c.index
}

// Info returns the cluster name and version.
func (c *Client) Info(ctx context.Context) (ClusterInfo, error) {
	var info ClusterInfo

	res, err := c.es.Info(c.es.Info.WithContext(ctx))
	if err != nil {
		return info, fmt.Errorf("elasticsearch info failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return info, responseError("info", res)
	}

	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return info, fmt.Errorf("decoding info response: %w", err)
	}
	return info, nil
}

// Ping reports whether the cluster answers.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch ping failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping returned %s", res.Status())
	}
	return nil
}

// FindMissingContext returns up to limit documents newer than window (an
// Elasticsearch date-math expression such as "now-24h") that have no
// context.summary, newest first. Hits without an id or source are dropped.
func (c *Client) FindMissingContext(ctx context.Context, window string, limit int) ([]Document, error) {
	if limit <= 0 {
		return nil, nil
	}

	body, err := json.Marshal(missingContextQuery(window, limit))
	if err != nil {
		return nil, fmt.Errorf("encoding discovery query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("discovery search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, responseError("search", res)
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	docs := make([]Document, 0, len(sr.Hits.Hits))
	for _, hit := range sr.Hits.Hits {
		if len(docs) == limit {
			break
		}
		if hit.ID == "" || len(hit.Source) == 0 {
			continue
		}
		docs = append(docs, Document{ID: hit.ID, Source: hit.Source})
	}
	return docs, nil
}

// WriteContext merges record under the "context" key of docID. Other fields
// of the document are left untouched.
func (c *Client) WriteContext(ctx context.Context, docID string, record any) error {
	if docID == "" {
		return fmt.Errorf("document id is required")
	}

	body, err := json.Marshal(map[string]any{
		"doc": map[string]any{"context": record},
	})
	if err != nil {
		return fmt.Errorf("encoding context update: %w", err)
	}

	res, err := c.es.Update(c.index, docID, bytes.NewReader(body), c.es.Update.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("updating %s: %w", docID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("updating %s: %w", docID, ErrDocumentNotFound)
	}
	if res.IsError() {
		return fmt.Errorf("updating %s: %w", docID, responseError("update", res))
	}
	return nil
}

func missingContextQuery(window string, limit int) map[string]any {
	return map[string]any{
		"size":    limit,
		"_source": true,
		"sort": []any{
			map[string]any{TimestampField: map[string]any{"order": "desc"}},
		},
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"range": map[string]any{TimestampField: map[string]any{"gte": window}}},
				},
				"must_not": []any{
					map[string]any{"exists": map[string]any{"field": SummaryField}},
				},
			},
		},
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string         `json:"_id"`
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func responseError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return fmt.Errorf("elasticsearch %s returned %s: %s", op, res.Status(), bytes.TrimSpace(body))
}

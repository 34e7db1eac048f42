package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/anacostia-dev/anacostia-go/pipeline/store"
)

// MetadataRPCClient mirrors the in-process store.MetadataStore contract
// (§4.3) over HTTP, for an action node that reads or writes a remote
// pipeline's metadata store via /rpc/metadata/*. All calls block until
// the callee responds (§4.2: "All RPC is blocking from the caller's
// viewpoint").
type MetadataRPCClient struct {
	baseURL string
	client  *http.Client
}

// NewMetadataRPCClient targets the metadata RPC surface of the pipeline
// rooted at baseURL (e.g. "https://root.example.com").
func NewMetadataRPCClient(baseURL string) *MetadataRPCClient {
	return &MetadataRPCClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *MetadataRPCClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("connector: rpc %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *MetadataRPCClient) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("connector: rpc %s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetNumEntries proxies store.MetadataStore.GetNumEntries for nodeID,
// optionally filtered by state (empty string means all states).
func (c *MetadataRPCClient) GetNumEntries(ctx context.Context, nodeID string, state store.ArtifactState) (int, error) {
	q := url.Values{"node": {nodeID}, "state": {string(state)}}
	var out struct {
		Count int `json:"count"`
	}
	if err := c.getJSON(ctx, "/rpc/metadata/num_entries", q, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// EntryExists proxies store.MetadataStore.EntryExists for nodeID.
func (c *MetadataRPCClient) EntryExists(ctx context.Context, nodeID, location string) (bool, error) {
	q := url.Values{"node": {nodeID}, "location": {location}}
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := c.getJSON(ctx, "/rpc/metadata/entry_exists", q, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

// GetMetrics proxies store.MetadataStore.GetMetrics for nodeID. runID of
// 0 means all runs.
func (c *MetadataRPCClient) GetMetrics(ctx context.Context, nodeID, name string, runID int64) ([]store.Metric, error) {
	q := url.Values{"node": {nodeID}, "name": {name}}
	if runID != 0 {
		q.Set("run_id", strconv.FormatInt(runID, 10))
	}
	var out []store.Metric
	if err := c.getJSON(ctx, "/rpc/metadata/metrics", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LogMetric proxies store.MetadataStore.LogMetric for nodeID.
func (c *MetadataRPCClient) LogMetric(ctx context.Context, nodeID, name string, value float64) error {
	in := struct {
		NodeID string  `json:"node_id"`
		Name   string  `json:"name"`
		Value  float64 `json:"value"`
	}{nodeID, name, value}
	return c.postJSON(ctx, "/rpc/metadata/log_metric", in, nil)
}

// ResourceRPCClient proxies a remote resource node's artifact contract:
// listing, fetching, and uploading artifact payloads (§4.2).
type ResourceRPCClient struct {
	baseURL string
	nodeID  string
	client  *http.Client
}

// NewResourceRPCClient targets nodeID's artifact surface on the pipeline
// rooted at baseURL.
func NewResourceRPCClient(baseURL, nodeID string) *ResourceRPCClient {
	return &ResourceRPCClient{
		baseURL: baseURL,
		nodeID:  nodeID,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// ListArtifacts calls GET /rpc/resource/list_artifacts?node=…&run_id=….
func (c *ResourceRPCClient) ListArtifacts(ctx context.Context, runID int64) ([]store.Artifact, error) {
	u := fmt.Sprintf("%s/rpc/resource/list_artifacts?node=%s&run_id=%d", c.baseURL, url.QueryEscape(c.nodeID), runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("connector: rpc list_artifacts returned status %d", resp.StatusCode)
	}
	var out []store.Artifact
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Fetch calls GET /rpc/resource/fetch?node=…&path=… and returns the raw
// payload.
func (c *ResourceRPCClient) Fetch(ctx context.Context, path string) ([]byte, error) {
	u := c.baseURL + "/rpc/resource/fetch?node=" + url.QueryEscape(c.nodeID) + "&path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("connector: rpc fetch returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Put calls POST /rpc/resource/put?node=…&path=… uploading data as the
// request body.
func (c *ResourceRPCClient) Put(ctx context.Context, path string, data []byte) error {
	u := c.baseURL + "/rpc/resource/put?node=" + url.QueryEscape(c.nodeID) + "&path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("connector: rpc put returned status %d", resp.StatusCode)
	}
	return nil
}

package pipeline_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anacostia-dev/anacostia-go/pipeline"
	"github.com/anacostia-dev/anacostia-go/pipeline/status"
	"github.com/anacostia-dev/anacostia-go/pipeline/store"
)

func newTestPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	st := store.NewMemStore()
	metaNode := &pipeline.Node{ID: "store", Kind: pipeline.MetadataStoreKind, Strategy: noopStrategy()}
	sourceNode := &pipeline.Node{ID: "source", Kind: pipeline.ActionKind, Strategy: noopStrategy()}
	sinkNode := &pipeline.Node{ID: "sink", Kind: pipeline.ActionKind, LocalPredecessors: []string{"source"}, Strategy: noopStrategy()}

	nodes := []*pipeline.Node{metaNode, sourceNode, sinkNode}
	pipeline.DeriveLocalSuccessors(nodes)

	hub := status.NewHub()
	engine, err := pipeline.NewEngine("http-test-pipeline", nodes, st, status.NewMultiEmitter(hub), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return pipeline.NewPipeline("http-test-pipeline", engine, hub, nil)
}

func TestPipeline_HandleGraphReportsTopology(t *testing.T) {
	p := newTestPipeline(t)
	srv := httptest.NewServer(p.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/graph")
	if err != nil {
		t.Fatalf("GET /graph: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var view struct {
		Nodes []struct {
			ID   string `json:"id"`
			Kind string `json:"kind"`
		} `json:"nodes"`
		Edges []struct {
			From   string `json:"from"`
			To     string `json:"to"`
			Remote bool   `json:"remote"`
		} `json:"edges"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(view.Nodes))
	}

	foundEdge := false
	for _, e := range view.Edges {
		if e.From == "source" && e.To == "sink" && !e.Remote {
			foundEdge = true
		}
	}
	if !foundEdge {
		t.Fatalf("expected a local source->sink edge, got %+v", view.Edges)
	}
}

func TestPipeline_HandleIndexServesHTML(t *testing.T) {
	p := newTestPipeline(t)
	srv := httptest.NewServer(p.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestPipeline_MetricsEndpointServesPrometheusFormat(t *testing.T) {
	p := newTestPipeline(t)
	srv := httptest.NewServer(p.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anacostia-dev/anacostia-go/pipeline/status"
)

// shutdownGrace bounds how long Run waits for in-flight HTTP requests to
// drain before forcing the listener closed.
const shutdownGrace = 10 * time.Second

// ConnectorMount is implemented by the connector package's Server: it
// attaches the handshake, signal, and RPC routes to the pipeline's
// router. Kept as a narrow interface here (rather than importing
// connector directly) to avoid the import cycle connector already has
// on this package.
type ConnectorMount interface {
	Mount(r chi.Router)
}

// Pipeline wires an Engine to an HTTP server exposing the dashboard,
// graph, per-node status streams, connector surface, and Prometheus
// endpoint described in §6.
type Pipeline struct {
	ID     string
	Engine *Engine
	Hub    *status.Hub

	router chi.Router
}

// NewPipeline builds the HTTP surface around engine. hub is the same
// status.Hub passed (inside a MultiEmitter) to NewEngine, so SSE
// subscribers see the transitions the engine emits. connector may be nil
// for a pipeline with no remote edges.
func NewPipeline(id string, engine *Engine, hub *status.Hub, connector ConnectorMount) *Pipeline {
	p := &Pipeline{ID: id, Engine: engine, Hub: hub, router: chi.NewRouter()}

	p.router.Get("/", p.handleIndex)
	p.router.Get("/graph", p.handleGraph)
	p.router.Get("/node/{id}/status", status.SSEHandler(hub))
	p.router.Handle("/metrics", promhttp.Handler())

	if connector != nil {
		connector.Mount(p.router)
	}

	return p
}

// Router exposes the assembled chi.Router for use with http.Server or
// httptest.
func (p *Pipeline) Router() chi.Router {
	return p.router
}

// Run starts Setup, launches the engine's node loops, and serves HTTP
// until ctx is canceled, then tears down (§7).
func (p *Pipeline) Run(ctx context.Context, addr string) error {
	if err := p.Engine.Setup(ctx); err != nil {
		return fmt.Errorf("pipeline: setup: %w", err)
	}

	srv := &http.Server{Addr: addr, Handler: p.router}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	go p.Engine.Launch(ctx)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			_ = p.Engine.Teardown(context.Background())
			return fmt.Errorf("pipeline: serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return p.Engine.Teardown(context.Background())
}

type graphNode struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type graphEdge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Remote bool   `json:"remote"`
}

type graphView struct {
	Nodes []graphNode `json:"nodes"`
	Edges []graphEdge `json:"edges"`
}

// handleGraph answers GET /graph with the pipeline's topology, local and
// remote edges included, for the dashboard's graph view (§6).
func (p *Pipeline) handleGraph(w http.ResponseWriter, r *http.Request) {
	view := graphView{}
	for _, n := range p.Engine.nodes {
		view.Nodes = append(view.Nodes, graphNode{ID: n.ID, Kind: string(n.Kind)})
		for _, succ := range n.LocalSuccessors {
			view.Edges = append(view.Edges, graphEdge{From: n.ID, To: succ})
		}
		for _, ref := range n.RemoteSuccessors {
			view.Edges = append(view.Edges, graphEdge{From: n.ID, To: ref.NodeID, Remote: true})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

// handleIndex serves a static placeholder page linking to /graph and
// /metrics. It runs no script: it neither fetches /graph nor opens any
// SSE connection.
func (p *Pipeline) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html>
<head><title>%s</title></head>
<body>
<h1>%s</h1>
<p>See <a href="/graph">/graph</a> for topology and <a href="/metrics">/metrics</a> for Prometheus metrics.</p>
</body>
</html>`, p.ID, p.ID)
}

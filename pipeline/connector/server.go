package connector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anacostia-dev/anacostia-go/pipeline"
	"github.com/anacostia-dev/anacostia-go/pipeline/store"
)

// ResourceBackend serves a remote resource node's artifact payloads for
// the /rpc/resource/* surface. No type in this repository implements it
// (monitor.FilesystemMonitor has no Fetch or Put); callers supply their
// own backend.
type ResourceBackend interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
}

// Server mounts the connector's HTTP surface — handshake, signal
// delivery, and RPC proxies — onto a chi.Router for one pipeline (§6).
type Server struct {
	receiver  *Receiver
	store     store.MetadataStore
	resources map[string]ResourceBackend
}

// NewServer builds a Server that routes inbound signals to receiver and
// answers RPC calls against st. Register per-node resource backends with
// RegisterResource before mounting.
func NewServer(receiver *Receiver, st store.MetadataStore) *Server {
	return &Server{receiver: receiver, store: st, resources: make(map[string]ResourceBackend)}
}

// RegisterResource associates nodeID's artifact payloads with backend,
// so /rpc/resource/* calls naming that node can be served.
func (s *Server) RegisterResource(nodeID string, backend ResourceBackend) {
	s.resources[nodeID] = backend
}

// Mount attaches every connector route to r.
func (s *Server) Mount(r chi.Router) {
	r.Post("/connect", s.handleConnect)
	r.Post("/signal", s.handleSignal)
	r.Get("/rpc/metadata/num_entries", s.handleNumEntries)
	r.Get("/rpc/metadata/entry_exists", s.handleEntryExists)
	r.Get("/rpc/metadata/metrics", s.handleMetrics)
	r.Post("/rpc/metadata/log_metric", s.handleLogMetric)
	r.Get("/rpc/resource/list_artifacts", s.handleListArtifacts)
	r.Get("/rpc/resource/fetch", s.handleFetch)
	r.Post("/rpc/resource/put", s.handlePut)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := s.receiver.HandleConnect(req)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sig := toSignal(req)
	if !s.receiver.Deliver(sig) {
		http.Error(w, "unknown destination node", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleNumEntries(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node")
	state := store.ArtifactState(r.URL.Query().Get("state"))
	n, err := s.store.GetNumEntries(r.Context(), nodeID, state)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleEntryExists(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node")
	ok, err := s.store.EntryExists(r.Context(), nodeID, r.URL.Query().Get("location"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": ok})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node")
	name := r.URL.Query().Get("name")
	runID := parseRunID(r)
	values, err := s.store.GetMetrics(r.Context(), nodeID, runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if name != "" {
		filtered := values[:0]
		for _, v := range values {
			if v.Name == name {
				filtered = append(filtered, v)
			}
		}
		values = filtered
	}
	writeJSON(w, http.StatusOK, values)
}

func (s *Server) handleLogMetric(w http.ResponseWriter, r *http.Request) {
	var in struct {
		NodeID string  `json:"node_id"`
		Name   string  `json:"name"`
		Value  float64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.LogMetric(r.Context(), in.NodeID, in.Name, in.Value); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node")
	entries, err := s.store.ListEntries(r.Context(), nodeID, store.StateCurrent)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node")
	backend, ok := s.resources[nodeID]
	if !ok {
		http.Error(w, "unknown resource node", http.StatusNotFound)
		return
	}
	data, err := backend.Fetch(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node")
	backend, ok := s.resources[nodeID]
	if !ok {
		http.Error(w, "unknown resource node", http.StatusNotFound)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := backend.Put(r.Context(), r.URL.Query().Get("path"), data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toSignal(req signalRequest) pipeline.Signal {
	return pipeline.Signal{
		From:  req.From,
		To:    req.To,
		RunID: req.RunID,
		Kind:  req.Kind,
		Sent:  time.Now(),
	}
}

func parseRunID(r *http.Request) int64 {
	raw := r.URL.Query().Get("run_id")
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package connector implements the remote-edge handshake, signal
// delivery, and contract-proxy RPC between federated pipelines (§4.2).
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/anacostia-dev/anacostia-go/pipeline"
)

// EdgeState tracks one remote edge's handshake and liveness, per §4.2's
// "both record the peer as live" step.
type EdgeState struct {
	PeerURL    string
	Role       string
	Live       bool
	ReceiverID string
	LastError  error
}

// Sender materialises the predecessor side of a remote edge. It performs
// the /connect handshake once at launch and implements
// pipeline.RemoteSender by POSTing to /signal, retrying with exponential
// backoff up to its retry budget before marking the edge ERROR.
type Sender struct {
	pipelineID string
	client     *http.Client
	retry      pipeline.RetryPolicy

	mu     sync.Mutex
	states map[string]*EdgeState
}

// NewSender builds a Sender for pipelineID. A zero-value retry falls back
// to pipeline.DefaultConnectorRetryPolicy.
func NewSender(pipelineID string, retry pipeline.RetryPolicy) *Sender {
	if retry.MaxAttempts == 0 {
		retry = pipeline.DefaultConnectorRetryPolicy
	}
	return &Sender{
		pipelineID: pipelineID,
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry:  retry,
		states: make(map[string]*EdgeState),
	}
}

type connectRequest struct {
	PredecessorID string `json:"predecessor_id"`
	PipelineID    string `json:"pipeline_id"`
	RunIDSpace    string `json:"run_id_space"`
}

type connectResponse struct {
	ReceiverID       string `json:"receiver_id"`
	Accepted         bool   `json:"accepted"`
	MetadataStoreURL string `json:"metadata_store_url,omitempty"`
}

// Connect performs the three-step handshake against ref's pipeline (§4.2).
// A node with WaitForConnection stays INITIALIZING until this succeeds.
func (s *Sender) Connect(ctx context.Context, ref pipeline.RemoteRef) error {
	key := edgeKey(ref)
	body, err := json.Marshal(connectRequest{
		PredecessorID: s.pipelineID,
		PipelineID:    s.pipelineID,
		RunIDSpace:    uuid.NewString(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ref.PipelineAddr+"/connect", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.recordFailure(key, ref, err)
		return err
	}
	defer resp.Body.Close()

	var out connectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		s.recordFailure(key, ref, err)
		return err
	}
	if !out.Accepted {
		err := fmt.Errorf("connector: handshake with %s rejected", ref.PipelineAddr)
		s.recordFailure(key, ref, err)
		return err
	}

	s.mu.Lock()
	s.states[key] = &EdgeState{PeerURL: ref.PipelineAddr, Role: "sender", Live: true, ReceiverID: out.ReceiverID}
	s.mu.Unlock()
	return nil
}

// Live reports whether ref's handshake has completed successfully.
func (s *Sender) Live(ref pipeline.RemoteRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[edgeKey(ref)]
	return ok && st.Live
}

type signalRequest struct {
	From  string              `json:"from"`
	To    string              `json:"to"`
	RunID int64               `json:"run_id"`
	Kind  pipeline.SignalKind `json:"kind"`
}

// SendSignal implements pipeline.RemoteSender. It POSTs sig to ref's
// /signal endpoint, retrying with exponential backoff; exhausting the
// retry budget marks the edge ERROR and returns the last error (§4.2,
// §7 transient transport).
func (s *Sender) SendSignal(ctx context.Context, ref pipeline.RemoteRef, sig pipeline.Signal) error {
	body, err := json.Marshal(signalRequest{From: sig.From, To: ref.NodeID, RunID: sig.RunID, Kind: sig.Kind})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		if err := s.postSignal(ctx, ref, body); err == nil {
			s.markLive(ref)
			return nil
		} else {
			lastErr = err
		}
		if !s.retry.IsRetryable(lastErr) {
			break
		}
		if attempt < s.retry.MaxAttempts-1 {
			delay := pipeline.ComputeBackoff(attempt, s.retry.BaseDelay, s.retry.MaxDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	s.recordFailure(edgeKey(ref), ref, lastErr)
	return fmt.Errorf("connector: signal delivery to %s exhausted retries: %w", ref.PipelineAddr, lastErr)
}

func (s *Sender) postSignal(ctx context.Context, ref pipeline.RemoteRef, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ref.PipelineAddr+"/signal", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("connector: /signal returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Sender) markLive(ref pipeline.RemoteRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := edgeKey(ref)
	st, ok := s.states[key]
	if !ok {
		st = &EdgeState{PeerURL: ref.PipelineAddr, Role: "sender"}
		s.states[key] = st
	}
	st.Live = true
	st.LastError = nil
}

func (s *Sender) recordFailure(key string, ref pipeline.RemoteRef, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		st = &EdgeState{PeerURL: ref.PipelineAddr, Role: "sender"}
		s.states[key] = st
	}
	st.Live = false
	st.LastError = err
}

func edgeKey(ref pipeline.RemoteRef) string {
	return ref.PipelineAddr + "|" + ref.NodeID
}

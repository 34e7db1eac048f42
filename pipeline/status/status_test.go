package status_test

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anacostia-dev/anacostia-go/pipeline/status"
)

func TestHub_SubscribeReceivesEmittedEvents(t *testing.T) {
	hub := status.NewHub()
	events, unsubscribe := hub.Subscribe(4)
	defer unsubscribe()

	hub.Emit(status.Event{NodeID: "source", Status: status.Executing, Timestamp: time.Now()})

	select {
	case e := <-events:
		if e.NodeID != "source" || e.Status != status.Executing {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the subscribed event")
	}
}

func TestHub_EmitDropsRatherThanBlocksOnFullSubscriber(t *testing.T) {
	hub := status.NewHub()
	events, unsubscribe := hub.Subscribe(1)
	defer unsubscribe()

	// Fill the subscriber's buffer, then emit again: correctness requires
	// this second Emit to return immediately rather than block, even
	// though nothing is draining the channel.
	hub.Emit(status.Event{NodeID: "a"})
	done := make(chan struct{})
	go func() {
		hub.Emit(status.Event{NodeID: "b"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber channel")
	}

	<-events // drain the one buffered event; the second Emit's event was dropped
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := status.NewHub()
	events, unsubscribe := hub.Subscribe(1)
	unsubscribe()

	_, open := <-events
	if open {
		t.Fatal("expected the channel to be closed after unsubscribe")
	}
}

func TestBufferedEmitter_HistoryPreservesOrderPerRun(t *testing.T) {
	b := status.NewBufferedEmitter()
	b.Emit(status.Event{RunID: 1, NodeID: "source", Status: status.Executing})
	b.Emit(status.Event{RunID: 1, NodeID: "sink", Status: status.Executing})
	b.Emit(status.Event{RunID: 2, NodeID: "source", Status: status.Executing})

	run1 := b.History(1)
	if len(run1) != 2 || run1[0].NodeID != "source" || run1[1].NodeID != "sink" {
		t.Fatalf("unexpected run 1 history: %+v", run1)
	}

	sourceOnly := b.NodeHistory(1, "source")
	if len(sourceOnly) != 1 {
		t.Fatalf("expected NodeHistory to filter to one event, got %+v", sourceOnly)
	}

	b.Clear(1)
	if len(b.History(1)) != 0 {
		t.Fatal("expected Clear to remove run 1's history")
	}
	if len(b.History(2)) != 1 {
		t.Fatal("expected Clear(1) to leave run 2 untouched")
	}
}

func TestMultiEmitter_FansOutToEveryBackend(t *testing.T) {
	a := status.NewBufferedEmitter()
	b := status.NewBufferedEmitter()
	multi := status.NewMultiEmitter(a, b)

	multi.Emit(status.Event{RunID: 1, NodeID: "source", Status: status.Complete})

	if len(a.History(1)) != 1 || len(b.History(1)) != 1 {
		t.Fatalf("expected both backends to receive the event: a=%v b=%v", a.History(1), b.History(1))
	}
}

func TestStatus_TerminalClassifiesCorrectly(t *testing.T) {
	terminalCases := []status.Status{status.Complete, status.Skipped, status.Failure, status.Error}
	for _, s := range terminalCases {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}

	nonTerminalCases := []status.Status{status.Initializing, status.Queued, status.Preparation, status.Executing}
	for _, s := range nonTerminalCases {
		if s.Terminal() {
			t.Fatalf("expected %s to not be terminal", s)
		}
	}
}

func TestSSEHandler_StreamsEventsForMatchingNode(t *testing.T) {
	hub := status.NewHub()
	r := chi.NewRouter()
	r.Get("/node/{id}/status", status.SSEHandler(hub))
	srv := httptest.NewServer(r)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/node/sink/status", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	// Give the handler a moment to subscribe before emitting, then send
	// one event for another node (should be filtered) and one for the
	// node this stream is scoped to.
	time.Sleep(50 * time.Millisecond)
	hub.Emit(status.Event{NodeID: "source", Status: status.Executing})
	hub.Emit(status.Event{NodeID: "sink", Status: status.Complete})

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, `"node_id":"sink"`) {
			return
		}
	}
	t.Fatal("never saw the sink event on the stream")
}

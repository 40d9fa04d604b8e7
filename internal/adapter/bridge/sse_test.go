package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"clawdeck/internal/domain"
)

type sseEvent struct {
	Event string
	Data  string
}

// readSSE consumes one complete SSE event, skipping keep-alive comments.
func readSSE(t *testing.T, scanner *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.Event != "":
			return ev
		}
	}
	t.Fatalf("stream ended mid-event: %v", scanner.Err())
	return ev
}

func openStream(t *testing.T, url string) *bufio.Scanner {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	return bufio.NewScanner(resp.Body)
}

func TestEventStreamDeliversEvents(t *testing.T) {
	ts, bus := newTestServer(t, testBridgeConfig(), &fakeUpstream{})
	scanner := openStream(t, ts.URL+"/api/events?token=s3cret")

	// First frame is always the status snapshot.
	first := readSSE(t, scanner)
	if first.Event != string(domain.TopicGatewayStatus) {
		t.Fatalf("first event = %q, want status snapshot", first.Event)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal([]byte(first.Data), &snap); err != nil {
		t.Fatalf("snapshot data: %v", err)
	}

	bus.Publish(context.Background(), domain.Event{
		Topic:   "agent.thinking",
		Payload: json.RawMessage(`{"text":"hm"}`),
	})

	ev := readSSE(t, scanner)
	if ev.Event != "agent.thinking" || ev.Data != `{"text":"hm"}` {
		t.Errorf("event = %+v", ev)
	}
}

func TestEventStreamTopicFilter(t *testing.T) {
	ts, bus := newTestServer(t, testBridgeConfig(), &fakeUpstream{})
	scanner := openStream(t, ts.URL+"/api/events?token=s3cret&topics=wanted")

	readSSE(t, scanner) // status snapshot

	// Wait for the filtered subscription to be active before publishing.
	deadline := time.Now().Add(time.Second)
	for bus.Subscribers("wanted") == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	bus.Publish(context.Background(), domain.Event{Topic: "ignored", Payload: json.RawMessage(`{}`)})
	bus.Publish(context.Background(), domain.Event{Topic: "wanted", Payload: json.RawMessage(`{"n":1}`)})

	ev := readSSE(t, scanner)
	if ev.Event != "wanted" {
		t.Errorf("filtered stream delivered %q", ev.Event)
	}
}

func TestEventStreamFanOutToThreeTabs(t *testing.T) {
	ts, bus := newTestServer(t, testBridgeConfig(), &fakeUpstream{})

	scanners := make([]*bufio.Scanner, 3)
	for i := range scanners {
		scanners[i] = openStream(t, ts.URL+"/api/events?token=s3cret")
		readSSE(t, scanners[i]) // status snapshot
	}

	// All tabs subscribed; one publish reaches each exactly once.
	bus.Publish(context.Background(), domain.Event{
		Topic:   "exec.sess-1",
		Payload: json.RawMessage(`{"kind":"stdout","data":"hello"}`),
	})

	for i, scanner := range scanners {
		ev := readSSE(t, scanner)
		if ev.Event != "exec.sess-1" {
			t.Errorf("tab %d: event = %q", i, ev.Event)
		}
		if !strings.Contains(ev.Data, "hello") {
			t.Errorf("tab %d: data = %q", i, ev.Data)
		}
	}
}

func TestEventStreamRequiresAuth(t *testing.T) {
	ts, _ := newTestServer(t, testBridgeConfig(), &fakeUpstream{})

	resp, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"clawdeck/internal/domain"
)

const (
	sseQueueDepth     = 64
	keepAliveInterval = 15 * time.Second
)

// handleEvents streams gateway events to one browser tab over SSE. Each tab
// gets an independent queue; a tab that stops draining is disconnected rather
// than allowed to stall the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	clientID := uuid.NewString()
	queue := make(chan domain.Event, sseQueueDepth)
	overflow := make(chan struct{}, 1)

	deliver := func(ctx context.Context, ev domain.Event) {
		select {
		case queue <- ev:
		default:
			select {
			case overflow <- struct{}{}:
			default:
			}
		}
	}

	var unsub func()
	if topics := r.URL.Query().Get("topics"); topics != "" {
		var unsubs []func()
		for _, t := range strings.Split(topics, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			unsubs = append(unsubs, s.bus.Subscribe(domain.Topic(t), deliver))
		}
		unsub = func() {
			for _, u := range unsubs {
				u()
			}
		}
	} else {
		unsub = s.bus.SubscribeAll(deliver)
	}
	defer unsub()

	s.logger.Debug("sse client connected", "client_id", clientID, "remote", r.RemoteAddr)
	defer s.logger.Debug("sse client disconnected", "client_id", clientID)

	// Snapshot first so a fresh tab renders current state without waiting
	// for the next transition.
	if err := writeSSE(w, string(domain.TopicGatewayStatus), s.recorder.current()); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-overflow:
			s.logger.Warn("dropping slow sse client", "client_id", clientID)
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-queue:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, ev.Payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

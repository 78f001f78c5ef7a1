package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// handleSSE streams events as server-sent events. Clients resume a dropped
// stream with the Last-Event-ID header (or last_event_id query parameter);
// retained events after that sequence are replayed before live delivery.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "SSE_UNSUPPORTED")
		return
	}

	var lastSeq uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			lastSeq = v
		}
	} else if raw := r.URL.Query().Get("last_event_id"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			lastSeq = v
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe before replaying so nothing published in between is lost;
	// duplicates are filtered by sequence number below.
	live, cancel := s.bus.Subscribe(64)
	defer cancel()

	for _, ev := range s.bus.Since(lastSeq, 1024) {
		writeSSE(w, ev.Seq, ev.Type, ev)
		lastSeq = ev.Seq
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ":keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			// A gap means the subscriber buffer overflowed; catch up from
			// the replay ring.
			if ev.Seq > lastSeq+1 {
				for _, missed := range s.bus.Since(lastSeq, 1024) {
					if missed.Seq >= ev.Seq {
						break
					}
					writeSSE(w, missed.Seq, missed.Type, missed)
					lastSeq = missed.Seq
				}
			}
			writeSSE(w, ev.Seq, ev.Type, ev)
			lastSeq = ev.Seq
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, seq uint64, eventType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, eventType, data)
}

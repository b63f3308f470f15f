package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// streamEvents relays progress events until the client disconnects. The
// subscription is taken before headers are flushed so that a client which
// has seen the response does not miss events published afterwards.
func (s *Server) streamEvents(c *gin.Context) {
	events, cancel := s.events.Subscribe()
	defer cancel()

	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)

	connected := map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)}
	if err := writeEvent(c.Writer, "connected", connected); err != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(c.Writer, "progress", ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprintf(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(w gin.ResponseWriter, name string, data any) error {
	if err := encodeEvent(w, name, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func encodeEvent(w io.Writer, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

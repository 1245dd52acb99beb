package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/hookflow/internal/streaming"
)

// snapshotEvent is the first frame of every stream.
const snapshotEvent = "snapshot"

// handleStreamExecution streams an execution's progress as Server-Sent
// Events. The stream opens with the stored record and closes after the
// terminal event.
func (s *Server) handleStreamExecution(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	// Subscribe first so no event lands between the snapshot and the stream.
	ch, cancel, err := s.deps.Events.Subscribe(ctx, streaming.EventFilter{ExecutionID: id})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer cancel()

	rec, err := s.deps.Service.GetExecution(ctx, id)
	if err != nil {
		return err
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, snapshotEvent, rec); err != nil {
		return nil
	}
	if rec.Status.Terminal() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeEvent(w, event.EventType, event); err != nil {
				return nil
			}
			if event.Terminal() {
				return nil
			}
		}
	}
}

func writeEvent(w *echo.Response, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/bmsinsight/internal/jobs"
)

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
	streamPingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleJobStream sends a job's progress events over a websocket: the
// backlog first, then new events as they are recorded. The stored log
// is the source of events; bus notifications only shorten the wait
// between reads. The stream closes once the job is finished.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.insights.Job(r.Context(), id); err != nil {
		code, kind := requestErrorStatus(err)
		s.errorResponse(w, code, kind, err.Error())
		return
	}

	var wake <-chan struct{}
	if s.bus != nil {
		sub := s.bus.Subscribe(id, 16)
		defer s.bus.Unsubscribe(sub)
		ch := make(chan struct{}, 1)
		go func() {
			for range sub {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}()
		wake = ch
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.drainClient(conn, cancel)

	log := s.logger.With("job_id", id)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	sent := 0
	lastPing := time.Now()
	for {
		// Read the status first so that no event recorded before a
		// terminal status is missed.
		job, err := s.insights.Job(ctx, id)
		if err != nil {
			log.Debug("stream job lookup failed", "error", err)
			return
		}
		events, err := s.insights.Progress(ctx, id, sent)
		if err != nil {
			log.Debug("stream progress read failed", "error", err)
			return
		}
		for _, ev := range events {
			if err := writeEvent(conn, ev); err != nil {
				log.Debug("stream write failed", "error", err)
				return
			}
		}
		sent += len(events)
		if time.Since(lastPing) >= streamPingEvery {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
			lastPing = time.Now()
		}

		if job.Status.Terminal() {
			deadline := time.Now().Add(streamWriteWait)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status))
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

func writeEvent(conn *websocket.Conn, ev jobs.ProgressEvent) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}

// drainClient reads until the client goes away, so that control
// frames are processed, then cancels the stream.
func (s *Server) drainClient(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("stream client read ended", "error", err)
			}
			return
		}
	}
}

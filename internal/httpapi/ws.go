package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/cyclenlu/internal/llm"
	"github.com/antoniostano/cyclenlu/internal/protocol"
	"github.com/antoniostano/cyclenlu/internal/reliability"
)

const (
	wsMaxInFlight   = 4
	wsReadTimeout   = 120 * time.Second
	wsWriteTimeout  = 10 * time.Second
	wsOutboundQueue = 64
)

// handleWS serves process requests over a websocket. Requests on one
// connection run concurrently, up to wsMaxInFlight at a time; each reply
// carries the request_id it answers.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "pipeline not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	logger := s.logger.With("connection_id", connID)
	logger.Debug("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// outbound is closed once every sender is done; the writer drains it.
	outbound := make(chan any, wsOutboundQueue)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range outbound {
			if ctx.Err() != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				continue
			}
			if t, ok := messageTypeOf(msg); ok {
				s.countWS("outbound", t)
			}
		}
	}()

	send := func(msg any) {
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}

	send(protocol.SystemEvent{
		Type:         protocol.TypeSystemEvent,
		ConnectionID: connID,
		Code:         "connected",
	})

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	var inflight errgroup.Group
	inflight.SetLimit(wsMaxInFlight)

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.countWS("inbound", t)
		}

		switch msg := parsed.(type) {
		case protocol.ClientControl:
			if msg.Action == "close" {
				break readLoop
			}
			send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, ConnectionID: connID, Code: "pong"})
		case protocol.ProcessRequest:
			if msg.RequestID == "" {
				msg.RequestID = uuid.NewString()
			}
			inflight.Go(func() error {
				send(s.processWS(ctx, msg))
				return nil
			})
		}
	}

	_ = inflight.Wait()
	close(outbound)
	<-writerDone
	cancel()
	logger.Debug("websocket disconnected")
}

func (s *Server) processWS(ctx context.Context, req protocol.ProcessRequest) any {
	res, err := s.processor.ProcessInput(ctx, req.UserID, req.Message)
	if err == nil {
		return protocol.ProcessResult{
			Type:      protocol.TypeProcessResult,
			RequestID: req.RequestID,
			Result:    res,
		}
	}

	code := "processing_failed"
	switch {
	case reliability.IsTransient(err):
		code = "classifier_unavailable"
	case errors.Is(err, llm.ErrMalformedResult):
		code = "classifier_malformed_result"
	}
	s.logger.Error("websocket process failed", "user_id", req.UserID, "request_id", req.RequestID, "error", err)
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		RequestID: req.RequestID,
		Code:      code,
		Source:    "pipeline",
		Retryable: reliability.IsTransient(err),
		Detail:    err.Error(),
	}
}

func (s *Server) countWS(direction string, t protocol.MessageType) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ProcessRequest:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ProcessResult:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

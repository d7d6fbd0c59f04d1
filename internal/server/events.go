package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"appforge/internal/engine"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// clientMessage is what a websocket client may send back.
type clientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Decision  string `json:"decision,omitempty"`
}

// events streams a conversation's events to a websocket client. Clients may
// answer consent requests and cancel the stream on the same socket.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return
	}
	if _, err := s.store.LoadConversation(convID); err != nil {
		Fail(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.engine.Subscribe(convID)
	defer unsubscribe()

	// pending consents raised before the client connected
	for _, req := range s.engine.PendingConsents(convID) {
		req := req
		if err := s.write(ctx, conn, engine.Event{Type: engine.EventConsentRequest, ConversationID: convID, Consent: &req}); err != nil {
			return
		}
	}

	go s.readLoop(ctx, cancel, conn, convID)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "engine closed")
				return
			}
			if err := s.write(ctx, conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, done := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			done()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, ev engine.Event) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, ev); err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
		}
		return err
	}
	return nil
}

func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, convID int64) {
	defer cancel()
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		switch msg.Type {
		case "consent_response":
			if err := s.engine.ConsentRespond(msg.RequestID, msg.Decision); err != nil {
				s.sendError(ctx, conn, convID, err)
			}
		case "cancel":
			s.engine.StreamCancel(convID)
		default:
			s.sendError(ctx, conn, convID, errors.New("unknown message type "+msg.Type))
		}
	}
}

func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, convID int64, err error) {
	_ = s.write(ctx, conn, engine.Event{Type: engine.EventError, ConversationID: convID, Error: &engine.ErrorEvent{Message: err.Error()}})
}

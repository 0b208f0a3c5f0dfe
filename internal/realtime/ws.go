package realtime

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ActionHandler processes inbound client actions for a session. A non-nil
// ErrorPayload is delivered to the requesting session only; committed
// mutations reach it through the regular broadcast path.
type ActionHandler interface {
	HandleAction(ctx context.Context, session *Session, req Request) *ErrorPayload
}

// WSOptions tunes the transport-level liveness checks.
type WSOptions struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

func (o WSOptions) withDefaults() WSOptions {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade performs the websocket handshake.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// ServeConn pumps events from the session queue to the connection and
// dispatches inbound action messages to the handler. It returns when the
// connection drops or the hub unsubscribes the session; either way the
// session is removed from the hub before returning.
func ServeConn(ctx context.Context, conn *websocket.Conn, hub *Hub, session *Session, handler ActionHandler, opts WSOptions) {
	opts = opts.withDefaults()
	defer hub.Unsubscribe(session)
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		hub.Touch(session)
		return nil
	})

	// Write pump: serialize all outbound traffic on one goroutine.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		ticker := time.NewTicker(opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case event, ok := <-session.Events():
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "session dropped"),
						time.Now().Add(opts.WriteTimeout))
					// Unblock the read loop so ServeConn can return.
					_ = conn.Close()
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
				if err := conn.WriteJSON(event); err != nil {
					log.Printf("session %s write failed: %v", session.ID, err)
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteTimeout)); err != nil {
					return
				}
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	// Read loop: transport liveness plus action dispatch.
	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if !errors.Is(err, context.Canceled) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("session %s read ended: %v", session.ID, err)
			}
			break
		}
		hub.Touch(session)

		if errPayload := handler.HandleAction(ctx, session, req); errPayload != nil {
			hub.SendTo(session, Event{
				Kind:       EventError,
				DocumentID: session.DocumentID,
				Payload:    *errPayload,
			})
		}
	}

	hub.Unsubscribe(session)
	<-writeDone
}

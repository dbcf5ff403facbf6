package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/internal/session"
	"github.com/MrWong99/linguavox/internal/tutor"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamOutBuffer    = 16
)

// Stream message types sent by the server in reply to client frames.
const (
	streamTurnResult = "turn.result"
	streamTurnError  = "turn.error"
	streamError      = "error"
	streamPong       = "pong"
)

// handleStream upgrades to a WebSocket that pushes every controller event of
// the session. Clients may submit turns as {"type":"turn","requestId":..,
// "turn":{..}} frames; they are handed to the controller in the order they
// are read and each is answered with a turn.result or turn.error frame.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctrl, err := s.sessions.Controller(r.Context(), id, "stream")
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		observe.Logger(r.Context()).Warn("api: websocket accept failed", "session_id", id, "err", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := observe.Logger(ctx).With("session_id", id)

	out := make(chan streamEvent, streamOutBuffer)
	send := func(ev streamEvent) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	var writerDone sync.WaitGroup
	writerDone.Add(1)
	go func() {
		defer writerDone.Done()
		defer cancel()
		for {
			var ev streamEvent
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusNormalClosure, "session closed")
					return
				}
				ev = newStreamEvent(e)
			case ev = <-out:
			}
			wctx, wcancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				log.Debug("api: stream write failed", "err", err)
				return
			}
		}
	}()

	var pending sync.WaitGroup
	for {
		var msg streamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debug("api: stream read failed", "err", err)
			}
			break
		}

		switch msg.Type {
		case "turn":
			if msg.Turn == nil {
				send(replyError(streamTurnError, msg.RequestID, tutor.InvalidInput("turn frame without turn")))
				continue
			}
			if err := s.checkLanguage(ctx, id, *msg.Turn); err != nil {
				send(replyError(streamTurnError, msg.RequestID, err))
				continue
			}
			in, err := msg.Turn.input()
			if err != nil {
				send(replyError(streamTurnError, msg.RequestID, err))
				continue
			}
			// Submit enqueues synchronously, so frames keep their read order.
			ch, err := ctrl.Submit(ctx, in)
			if err != nil {
				send(replyError(streamTurnError, msg.RequestID, err))
				continue
			}
			pending.Add(1)
			go func(requestID string, ch <-chan session.TurnResult) {
				defer pending.Done()
				select {
				case res := <-ch:
					if res.Err != nil {
						send(replyError(streamTurnError, requestID, res.Err))
						return
					}
					send(streamEvent{
						Type:      streamTurnResult,
						SessionID: id,
						RequestID: requestID,
						TurnID:    res.Turn.ID,
						Turn:      newTurnResponse(res.Turn),
						At:        time.Now(),
					})
				case <-ctx.Done():
				}
			}(msg.RequestID, ch)
		case "ping":
			send(streamEvent{Type: streamPong, RequestID: msg.RequestID, At: time.Now()})
		default:
			send(replyError(streamError, msg.RequestID, tutor.InvalidInput("unknown frame type %q", msg.Type)))
		}
	}

	cancel()
	pending.Wait()
	writerDone.Wait()
}

func replyError(typ, requestID string, err error) streamEvent {
	body := errorFor(err)
	return streamEvent{Type: typ, RequestID: requestID, Error: &body, At: time.Now()}
}

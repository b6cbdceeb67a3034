package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wuwenbin0122/workforce/internal/chat"
	"github.com/wuwenbin0122/workforce/internal/conversation"
	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/tools"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamReadLimit  = 64 * 1024
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type streamFrame struct {
	Type      string                  `json:"type"`
	Kind      conversation.ChangeKind `json:"kind,omitempty"`
	Message   *models.Message         `json:"message,omitempty"`
	Messages  []models.Message        `json:"messages,omitempty"`
	Progress  *tools.ProgressEvent    `json:"progress,omitempty"`
	Result    *chat.SubmitResult      `json:"result,omitempty"`
	Error     string                  `json:"error,omitempty"`
	ErrorKind tools.ErrorKind         `json:"error_kind,omitempty"`
}

type clientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// handleStream keeps one conversation open over a websocket: a snapshot,
// then every timeline change and tool progress event. Clients may submit
// messages on the same socket.
func (h *Handler) handleStream(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	conversationID := c.Param("id")

	timeline, err := session.Open(c.Request.Context(), conversationID)
	if err != nil {
		writeError(c, statusFromError(err), "failed to open conversation", err)
		return
	}
	defer session.Close(conversationID)

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("stream websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, stopChanges := timeline.Watch(64)
	defer stopChanges()
	progress, stopProgress := session.Router().Progress().Subscribe(16)
	defer stopProgress()

	write := func(frame streamFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(frame)
	}

	if err := write(streamFrame{Type: "snapshot", Messages: timeline.Messages()}); err != nil {
		h.logger.Warnf("stream snapshot write failed: %v", err)
		return
	}

	out := make(chan streamFrame, 16)
	enqueue := func(frame streamFrame) {
		select {
		case out <- frame:
		case <-ctx.Done():
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()

		ping := time.NewTicker(streamPingPeriod)
		defer ping.Stop()

		for {
			var frame streamFrame
			select {
			case <-ctx.Done():
				return
			case frame = <-out:
			case change, ok := <-changes:
				if !ok {
					return
				}
				frame = changeFrame(change)
			case event, ok := <-progress:
				if !ok {
					return
				}
				frame = streamFrame{Type: "progress", Progress: &event}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					return
				}
				continue
			}
			if err := write(frame); err != nil {
				h.logger.Debugf("stream write failed: %v", err)
				return
			}
		}
	}()

	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		var msg clientFrame
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warnf("stream closed unexpectedly: %v", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))

		switch msg.Type {
		case "send":
			go func(content string) {
				result, err := session.Submit(ctx, conversationID, content)
				if err != nil {
					enqueue(errorFrame(err, result))
					return
				}
				enqueue(streamFrame{Type: "submitted", Result: result})
			}(msg.Content)
		case "ping":
			enqueue(streamFrame{Type: "pong"})
		default:
			enqueue(streamFrame{Type: "error", Error: "unknown frame type " + msg.Type})
		}
	}

	cancel()
	<-writerDone
}

func changeFrame(change conversation.Change) streamFrame {
	if change.Kind == conversation.ChangeFailed {
		frame := streamFrame{Type: "failed", Kind: change.Kind}
		if change.Err != nil {
			frame.Error = change.Err.Error()
		}
		return frame
	}
	msg := change.Message
	return streamFrame{Type: "change", Kind: change.Kind, Message: &msg}
}

func errorFrame(err error, result *chat.SubmitResult) streamFrame {
	frame := streamFrame{Type: "error", Error: err.Error(), Result: result}
	var dispatchErr *tools.DispatchError
	if errors.As(err, &dispatchErr) {
		frame.ErrorKind = dispatchErr.Kind
	}
	return frame
}

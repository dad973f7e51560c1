package irisfast

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Egress sends replies over HTTP or WebSocket.
type Egress interface {
	SendText(ctx context.Context, room, message string) error
	SendImage(ctx context.Context, room, imageBase64 string) error
}

type transportMode string

const (
	transportHTTP transportMode = "http"
	transportWS   transportMode = "ws"
	transportAuto transportMode = "auto"
)

// NewEgress picks the transport for mode. auto prefers ws while connected and
// falls back to http once per message.
func NewEgress(mode string, dryrun bool, c *Client, ws *WebSocket, logger *zap.Logger) Egress {
	if logger == nil {
		logger = zap.NewNop()
	}
	wse := &wsEgress{ws: ws, dryrun: dryrun, logger: logger}
	switch transportMode(mode) {
	case transportWS:
		return wse
	case transportAuto:
		return &autoEgress{ws: wse, http: &httpEgress{c: c}, logger: logger}
	default:
		return &httpEgress{c: c}
	}
}

type httpEgress struct{ c *Client }

func (h *httpEgress) SendText(ctx context.Context, room, message string) error {
	if h == nil || h.c == nil {
		return errors.New("http egress not available")
	}
	return h.c.SendMessage(ctx, room, message)
}

func (h *httpEgress) SendImage(ctx context.Context, room, imageBase64 string) error {
	if h == nil || h.c == nil {
		return errors.New("http egress not available")
	}
	return h.c.SendImage(ctx, room, imageBase64)
}

type wsEgress struct {
	ws     *WebSocket
	dryrun bool
	logger *zap.Logger
}

func (w *wsEgress) ready() bool { return w != nil && w.ws != nil && w.ws.Connected() }

func (w *wsEgress) SendText(ctx context.Context, room, message string) error {
	return w.send(ctx, ReplyRequest{Type: "text", Room: room, Data: message})
}

func (w *wsEgress) SendImage(ctx context.Context, room, imageBase64 string) error {
	return w.send(ctx, ReplyRequest{Type: "image", Room: room, Data: imageBase64})
}

func (w *wsEgress) send(ctx context.Context, req ReplyRequest) error {
	if w == nil || w.ws == nil {
		return errors.New("ws egress not available")
	}
	if w.dryrun {
		w.logger.Info("ws_egress_dryrun", zap.String("type", req.Type), zap.String("room", req.Room))
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return w.ws.WriteJSON(ctx, &req)
}

type autoEgress struct {
	ws     *wsEgress
	http   *httpEgress
	logger *zap.Logger
}

func (a *autoEgress) SendText(ctx context.Context, room, message string) error {
	if a.ws.ready() {
		if err := a.ws.SendText(ctx, room, message); err == nil {
			return nil
		}
		a.logger.Warn("egress_fallback", zap.String("type", "text"), zap.String("room", room))
	}
	return a.http.SendText(ctx, room, message)
}

func (a *autoEgress) SendImage(ctx context.Context, room, imageBase64 string) error {
	if a.ws.ready() {
		if err := a.ws.SendImage(ctx, room, imageBase64); err == nil {
			return nil
		}
		a.logger.Warn("egress_fallback", zap.String("type", "image"), zap.String("room", room))
	}
	return a.http.SendImage(ctx, room, imageBase64)
}

package irisfast

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func serve(t *testing.T, h fasthttp.RequestHandler) *Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: h}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })
	return NewClient("http://iris.local/",
		WithDial(func(string) (net.Conn, error) { return ln.Dial() }),
		WithHeaderProvider(IdentityHeaders("bot", "", "sess")),
		WithTimeout(time.Second),
	)
}

func TestSendMessagePostsReply(t *testing.T) {
	var got ReplyRequest
	var user, session, email string
	c := serve(t, func(ctx *fasthttp.RequestCtx) {
		user = string(ctx.Request.Header.Peek("X-User-Id"))
		session = string(ctx.Request.Header.Peek("X-Session-Id"))
		email = string(ctx.Request.Header.Peek("X-User-Email"))
		if string(ctx.Path()) != "/reply" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		_ = json.Unmarshal(ctx.PostBody(), &got)
	})

	require.NoError(t, c.SendMessage(context.Background(), "room-1", "안녕"))
	assert.Equal(t, ReplyRequest{Type: "text", Room: "room-1", Data: "안녕"}, got)
	assert.Equal(t, "bot", user)
	assert.Equal(t, "sess", session)
	assert.Empty(t, email)
}

func TestRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	c := serve(t, func(ctx *fasthttp.RequestCtx) {
		if calls.Add(1) < 3 {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		ctx.SetBodyString(`{"port":3000,"polling_speed":100,"message_rate":50,"web_server_endpoint":"http://x"}`)
	})

	cfg, err := c.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	c := serve(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString("bad room")
	})

	err := c.SendImage(context.Background(), "room", "aGk=")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestEgressModes(t *testing.T) {
	c := NewClient("http://unused")
	_, isHTTP := NewEgress("http", false, c, nil, nil).(*httpEgress)
	assert.True(t, isHTTP)
	_, isAuto := NewEgress("auto", false, c, NewWebSocket("ws://unused", 0, 0), nil).(*autoEgress)
	assert.True(t, isAuto)

	ws := NewEgress("ws", true, c, NewWebSocket("ws://unused", 0, 0), nil)
	assert.NoError(t, ws.SendText(context.Background(), "room", "dry"))
}

func TestAutoEgressFallsBackToHTTP(t *testing.T) {
	var hits atomic.Int32
	c := serve(t, func(ctx *fasthttp.RequestCtx) { hits.Add(1) })
	e := NewEgress("auto", false, c, NewWebSocket("ws://unused", 0, 0), nil)
	require.NoError(t, e.SendText(context.Background(), "room", "hello"))
	assert.Equal(t, int32(1), hits.Load())
}

// Package agentapi serves the HTTP API automated players use to take part in
// lobbies alongside chat players.
package agentapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	stonesvc "github.com/park285/Stones-KakaoTalk-bot/internal/service/stones"
	"github.com/park285/Stones-KakaoTalk-bot/pkg/stonesdto"
)

const (
	headerAgentID   = "X-Agent-Id"
	headerAgentName = "X-Agent-Name"
	defaultWait     = 30 * time.Second
	requestTimeout  = 10 * time.Second
)

type Config struct {
	Addr  string
	Token string
}

type Server struct {
	svc    *stonesvc.Service
	token  []byte
	addr   string
	logger *zap.Logger
	srv    *fasthttp.Server
}

func NewServer(svc *stonesvc.Service, cfg Config, logger *zap.Logger) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("stones service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, addr: cfg.Addr, logger: logger}
	if t := strings.TrimSpace(cfg.Token); t != "" {
		s.token = []byte(t)
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		Name:         "stones-agent-api",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: defaultWait + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("agent_api_listen", zap.String("addr", s.addr))
	return s.srv.ListenAndServe(s.addr)
}

// Serve is used by tests with an in-memory listener.
func (s *Server) Serve(ln net.Listener) error { return s.srv.Serve(ln) }

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.ShutdownWithContext(ctx) }

// Handler routes requests. /healthz needs no credentials; everything under
// /v1 needs the bearer token (when configured) and an agent id.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(rc *fasthttp.RequestCtx) {
		start := time.Now()
		reqID := uuid.NewString()
		rc.Response.Header.Set("X-Request-Id", reqID)

		path := string(rc.Path())
		if path == "/healthz" {
			rc.SetStatusCode(fasthttp.StatusOK)
			rc.SetBodyString("ok")
			return
		}
		if !s.authorized(rc) {
			s.writeError(rc, fasthttp.StatusUnauthorized, stonesdto.DomainError{Code: "UNAUTHORIZED", Message: "missing or invalid bearer token"})
			s.log(rc, reqID, "", start)
			return
		}
		agentID := strings.TrimSpace(string(rc.Request.Header.Peek(headerAgentID)))
		if agentID == "" {
			s.writeError(rc, fasthttp.StatusBadRequest, stonesdto.DomainError{Code: "BAD_REQUEST", Message: headerAgentID + " header is required"})
			s.log(rc, reqID, "", start)
			return
		}
		meta := stonesvc.Meta{UserID: agentID, Name: strings.TrimSpace(string(rc.Request.Header.Peek(headerAgentName)))}
		if meta.Name == "" {
			meta.Name = agentID
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout+defaultWait)
		defer cancel()
		s.route(ctx, rc, meta, path)
		s.log(rc, reqID, agentID, start)
	}
}

func (s *Server) route(ctx context.Context, rc *fasthttp.RequestCtx, meta stonesvc.Meta, path string) {
	method := string(rc.Method())
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "v1":
		switch {
		case parts[1] == "lobbies" && method == fasthttp.MethodGet:
			s.listLobbies(ctx, rc, meta)
		case parts[1] == "leave" && method == fasthttp.MethodPost:
			s.leave(ctx, rc, meta)
		case parts[1] == "pick" && method == fasthttp.MethodPost:
			s.pick(ctx, rc, meta)
		case parts[1] == "view" && method == fasthttp.MethodGet:
			s.view(ctx, rc, meta)
		default:
			s.notFound(rc)
		}
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "lobbies":
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || id <= 0 {
			s.writeError(rc, fasthttp.StatusBadRequest, stonesdto.DomainError{Code: "BAD_REQUEST", Message: "invalid lobby id"})
			return
		}
		switch {
		case parts[3] == "enter" && method == fasthttp.MethodPost:
			s.enter(ctx, rc, meta, id)
		case parts[3] == "status" && method == fasthttp.MethodGet:
			s.status(ctx, rc, id)
		case parts[3] == "wait" && method == fasthttp.MethodGet:
			s.wait(ctx, rc, id)
		default:
			s.notFound(rc)
		}
	default:
		s.notFound(rc)
	}
}

func (s *Server) authorized(rc *fasthttp.RequestCtx) bool {
	if len(s.token) == 0 {
		return true
	}
	auth := rc.Request.Header.Peek(fasthttp.HeaderAuthorization)
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(string(auth[:len(prefix)]), prefix) {
		return false
	}
	return subtle.ConstantTimeCompare(auth[len(prefix):], s.token) == 1
}

func (s *Server) listLobbies(ctx context.Context, rc *fasthttp.RequestCtx, meta stonesvc.Meta) {
	if err := s.svc.EnsureAgent(ctx, meta); err != nil {
		s.writeDomainError(rc, err)
		return
	}
	recs, err := s.svc.ListLobbies(ctx, meta)
	if err != nil {
		s.writeDomainError(rc, err)
		return
	}
	s.writeJSON(rc, fasthttp.StatusOK, toLobbyList(recs))
}

func (s *Server) enter(ctx context.Context, rc *fasthttp.RequestCtx, meta stonesvc.Meta, id int64) {
	if err := s.svc.EnsureAgent(ctx, meta); err != nil {
		s.writeDomainError(rc, err)
		return
	}
	if err := s.svc.JoinLobby(ctx, meta, id); err != nil {
		s.writeDomainError(rc, err)
		return
	}
	st, err := s.svc.LobbyStatus(ctx, id)
	if err != nil {
		s.writeDomainError(rc, err)
		return
	}
	s.writeJSON(rc, fasthttp.StatusOK, toStatus(st))
}

func (s *Server) leave(ctx context.Context, rc *fasthttp.RequestCtx, meta stonesvc.Meta) {
	id, err := s.svc.LeaveLobby(ctx, meta)
	if err != nil {
		s.writeDomainError(rc, err)
		return
	}
	s.writeJSON(rc, fasthttp.StatusOK, stonesdto.LeaveResponse{LobbyID: id})
}

func (s *Server) pick(ctx context.Context, rc *fasthttp.RequestCtx, meta stonesvc.Meta) {
	var req stonesdto.PickRequest
	if err := json.Unmarshal(rc.PostBody(), &req); err != nil {
		s.writeError(rc, fasthttp.StatusBadRequest, stonesdto.DomainError{Code: "BAD_REQUEST", Message: "invalid pick body"})
		return
	}
	if err := s.svc.SubmitChoice(ctx, meta, req.Stone); err != nil {
		s.writeDomainError(rc, err)
		return
	}
	st, err := s.svc.MyLobby(ctx, meta)
	if err != nil {
		s.writeDomainError(rc, err)
		return
	}
	s.writeJSON(rc, fasthttp.StatusOK, toStatus(st))
}

func (s *Server) view(ctx context.Context, rc *fasthttp.RequestCtx, meta stonesvc.Meta) {
	f, err := s.svc.CurrentView(ctx, meta)
	if err != nil {
		s.writeDomainError(rc, err)
		return
	}
	s.writeJSON(rc, fasthttp.StatusOK, toView(f))
}

func (s *Server) status(ctx context.Context, rc *fasthttp.RequestCtx, id int64) {
	st, err := s.svc.LobbyStatus(ctx, id)
	if err != nil {
		s.writeDomainError(rc, err)
		return
	}
	s.writeJSON(rc, fasthttp.StatusOK, toStatus(st))
}

// wait long-polls until (round, move) is open or the lobby status changes.
func (s *Server) wait(ctx context.Context, rc *fasthttp.RequestCtx, id int64) {
	args := rc.QueryArgs()
	round, err1 := strconv.Atoi(string(args.Peek("round")))
	move, err2 := strconv.Atoi(string(args.Peek("move")))
	if err1 != nil || err2 != nil || round < 0 || move < 0 {
		s.writeError(rc, fasthttp.StatusBadRequest, stonesdto.DomainError{Code: "BAD_REQUEST", Message: "round and move are required"})
		return
	}
	timeout := defaultWait
	if raw := string(args.Peek("timeout")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeError(rc, fasthttp.StatusBadRequest, stonesdto.DomainError{Code: "BAD_REQUEST", Message: "invalid timeout"})
			return
		}
		timeout = d
	}
	st, err := s.svc.Wait(ctx, id, round, move, timeout)
	if err != nil {
		s.writeDomainError(rc, err)
		return
	}
	s.writeJSON(rc, fasthttp.StatusOK, toStatus(st))
}

func (s *Server) notFound(rc *fasthttp.RequestCtx) {
	s.writeError(rc, fasthttp.StatusNotFound, stonesdto.DomainError{Code: "NOT_FOUND", Message: "no such route"})
}

func (s *Server) writeDomainError(rc *fasthttp.RequestCtx, err error) {
	code := stonesvc.ErrorCode(err)
	status := httpStatus(code)
	body := stonesdto.DomainError{Code: code, Message: err.Error(), Retryable: retryable(err)}
	if status >= 500 {
		s.logger.Warn("agent_api_error", zap.String("code", code), zap.Error(err))
		body.Message = "internal error"
	}
	s.writeError(rc, status, body)
}

func (s *Server) writeError(rc *fasthttp.RequestCtx, status int, body stonesdto.DomainError) {
	s.writeJSON(rc, status, body)
}

func (s *Server) writeJSON(rc *fasthttp.RequestCtx, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		rc.Error("encode response", fasthttp.StatusInternalServerError)
		return
	}
	rc.SetStatusCode(status)
	rc.SetContentType("application/json")
	rc.SetBody(payload)
}

func (s *Server) log(rc *fasthttp.RequestCtx, reqID, agentID string, start time.Time) {
	s.logger.Info("agent_request",
		zap.String("request_id", reqID),
		zap.String("agent_id", agentID),
		zap.ByteString("method", rc.Method()),
		zap.ByteString("path", rc.Path()),
		zap.Int("status", rc.Response.StatusCode()),
		zap.Duration("took", time.Since(start)),
	)
}

package stones

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
	"github.com/park285/Stones-KakaoTalk-bot/internal/lobby"
	"github.com/park285/Stones-KakaoTalk-bot/internal/logexport"
)

var (
	ErrRoomNotAllowed     = errors.New("stones room not allowed")
	ErrInvalidStoneCount  = errors.New("invalid stone count")
	ErrAlreadyAdmin       = errors.New("user is already an admin")
	ErrCannotFireSelf     = errors.New("admin cannot fire themselves")
	ErrNoPendingRequest   = errors.New("no pending admin request")
	ErrAgentRoleForbidden = errors.New("admins cannot act as agents")
)

const (
	defaultStoneCount = 10
	defaultMaxStones  = 99
	defaultMoveTimout = time.Minute
	maxWaitTimeout    = 60 * time.Second
)

// Meta identifies the caller of one request.
type Meta struct {
	UserID string
	Name   string
	Room   string
}

type Config struct {
	DefaultStones int
	MaxStones     int
	MoveTimeout   time.Duration
	RoundDuration time.Duration
	MovePause     time.Duration
	AllowedRooms  []string
	AdminIDs      []string
}

// Service is the transport-facing API over the lobby registry. The chat bot
// and the agent API both go through it.
type Service struct {
	reg          *lobby.Registry
	driver       *lobby.Driver
	events       lobby.Events
	exporter     *logexport.Exporter
	cfg          Config
	allowedRooms map[string]struct{}
	logger       *zap.Logger

	mu      sync.Mutex
	changed chan struct{}
}

func NewService(reg *lobby.Registry, events lobby.Events, exporter *logexport.Exporter, cfg Config, logger *zap.Logger) (*Service, error) {
	if reg == nil {
		return nil, fmt.Errorf("lobby registry is required")
	}
	if exporter == nil {
		return nil, fmt.Errorf("log exporter is required")
	}
	if events == nil {
		events = lobby.NopEvents{}
	}
	if cfg.MaxStones <= 0 {
		cfg.MaxStones = defaultMaxStones
	}
	if cfg.DefaultStones <= 0 || cfg.DefaultStones > cfg.MaxStones {
		cfg.DefaultStones = min(defaultStoneCount, cfg.MaxStones)
	}
	if cfg.MoveTimeout <= 0 {
		cfg.MoveTimeout = defaultMoveTimout
	}
	if cfg.RoundDuration < 0 {
		cfg.RoundDuration = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	allowedRooms := make(map[string]struct{})
	for _, room := range cfg.AllowedRooms {
		normalized := strings.TrimSpace(room)
		if normalized == "" {
			continue
		}
		allowedRooms[normalized] = struct{}{}
	}

	s := &Service{
		reg:          reg,
		events:       events,
		exporter:     exporter,
		cfg:          cfg,
		allowedRooms: allowedRooms,
		logger:       logger,
		changed:      make(chan struct{}),
	}
	s.driver = lobby.NewDriver(reg, watchEvents{svc: s, next: events}, cfg.MovePause)
	return s, nil
}

// Boot promotes the configured admins and resumes rounds that were running
// when the process last stopped.
func (s *Service) Boot(ctx context.Context) error {
	for _, id := range s.cfg.AdminIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		u, err := s.reg.User(ctx, id, "", "")
		if err != nil {
			return fmt.Errorf("load admin %s: %w", id, err)
		}
		if u.IsAdmin() {
			continue
		}
		if err := s.reg.SetRole(ctx, u, domain.RoleAdmin, false); err != nil {
			s.logger.Warn("admin_promote_skipped", zap.String("user_id", id), zap.Error(err))
			continue
		}
		s.logger.Info("admin_promote", zap.String("user_id", id))
	}

	recs, err := s.reg.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status != domain.StatusStarted {
			continue
		}
		sess, err := s.reg.Lobby(ctx, rec.ID)
		if err != nil {
			s.logger.Warn("round_resume_failed", zap.Int64("lobby_id", rec.ID), zap.Error(err))
			continue
		}
		// loading a started lobby already hands it to the driver
		s.driver.Run(sess)
		if s.driver.Running(rec.ID) {
			s.logger.Info("round_resume", zap.Int64("lobby_id", rec.ID), zap.Int("round", rec.Round), zap.Int("move", rec.Move))
		}
	}
	return nil
}

// Close stops every round driver.
func (s *Service) Close() { s.driver.Close() }

func (s *Service) Registry() *lobby.Registry { return s.reg }

func (s *Service) Config() Config { return s.cfg }

func (s *Service) ensureRoomAllowed(meta Meta) error {
	if len(s.allowedRooms) == 0 || meta.Room == "" {
		return nil
	}
	if _, ok := s.allowedRooms[strings.TrimSpace(meta.Room)]; !ok {
		return ErrRoomNotAllowed
	}
	return nil
}

func (s *Service) user(ctx context.Context, meta Meta) (*lobby.UserSession, error) {
	if err := s.ensureRoomAllowed(meta); err != nil {
		return nil, err
	}
	return s.reg.User(ctx, meta.UserID, meta.Name, meta.Room)
}

// Role returns the caller's role, registering the user on first sight.
func (s *Service) Role(ctx context.Context, meta Meta) (domain.Role, error) {
	u, err := s.user(ctx, meta)
	if err != nil {
		return "", err
	}
	return u.Role(), nil
}

func (s *Service) requireAdmin(ctx context.Context, meta Meta) (*lobby.UserSession, error) {
	u, err := s.user(ctx, meta)
	if err != nil {
		return nil, err
	}
	if !u.IsAdmin() {
		return nil, lobby.ErrNotAdmin
	}
	return u, nil
}

// MakeLobby creates a lobby. Zero stones and zero round duration take the
// configured defaults.
func (s *Service) MakeLobby(ctx context.Context, meta Meta, stoneCount int, roundDuration time.Duration) (*lobby.Status, error) {
	if _, err := s.requireAdmin(ctx, meta); err != nil {
		return nil, err
	}
	if stoneCount == 0 {
		stoneCount = s.cfg.DefaultStones
	}
	if stoneCount < 1 || stoneCount > s.cfg.MaxStones {
		return nil, ErrInvalidStoneCount
	}
	if roundDuration <= 0 {
		roundDuration = s.cfg.RoundDuration
	}
	sess, err := s.reg.Create(ctx, domain.LobbyConfig{
		DefaultStones: stoneCount,
		RoundDuration: roundDuration,
		MoveTimeout:   s.cfg.MoveTimeout,
		CreatedBy:     meta.UserID,
	})
	if err != nil {
		return nil, err
	}
	s.bump()
	st := sess.Status()
	return &st, nil
}

func (s *Service) DeleteLobby(ctx context.Context, meta Meta, lobbyID int64) error {
	if _, err := s.requireAdmin(ctx, meta); err != nil {
		return err
	}
	s.driver.Stop(lobbyID)
	if err := s.reg.Delete(ctx, lobbyID); err != nil {
		return err
	}
	s.driver.Stop(lobbyID)
	s.bump()
	return nil
}

// ListLobbies shows joinable lobbies to players and every unfinished one to
// admins.
func (s *Service) ListLobbies(ctx context.Context, meta Meta) ([]domain.LobbyRecord, error) {
	u, err := s.user(ctx, meta)
	if err != nil {
		return nil, err
	}
	recs, err := s.reg.List(ctx)
	if err != nil {
		return nil, err
	}
	admin := u.IsAdmin()
	return lo.Filter(recs, func(r domain.LobbyRecord, _ int) bool {
		if admin {
			return r.Status != domain.StatusFinished
		}
		return r.Status == domain.StatusCreated
	}), nil
}

func (s *Service) JoinLobby(ctx context.Context, meta Meta, lobbyID int64) error {
	u, err := s.user(ctx, meta)
	if err != nil {
		return err
	}
	sess, err := s.reg.Lobby(ctx, lobbyID)
	if err != nil {
		return err
	}
	if err := sess.Join(ctx, u); err != nil {
		return err
	}
	s.bump()
	return nil
}

func (s *Service) LeaveLobby(ctx context.Context, meta Meta) (int64, error) {
	u, err := s.user(ctx, meta)
	if err != nil {
		return 0, err
	}
	sess, err := s.reg.UserLobby(ctx, u)
	if err != nil {
		return 0, err
	}
	if err := sess.Leave(ctx, u); err != nil {
		return 0, err
	}
	s.bump()
	return sess.ID(), nil
}

func (s *Service) StartGame(ctx context.Context, meta Meta, lobbyID int64) error {
	if _, err := s.requireAdmin(ctx, meta); err != nil {
		return err
	}
	sess, err := s.reg.Lobby(ctx, lobbyID)
	if err != nil {
		return err
	}
	if err := sess.StartGame(ctx); err != nil {
		return err
	}
	s.bump()
	return nil
}

// StartRound opens move 1 and hands the lobby to its round driver.
func (s *Service) StartRound(ctx context.Context, meta Meta, lobbyID int64) error {
	if _, err := s.requireAdmin(ctx, meta); err != nil {
		return err
	}
	sess, err := s.reg.Lobby(ctx, lobbyID)
	if err != nil {
		return err
	}
	if err := sess.StartRound(ctx); err != nil {
		return err
	}
	s.driver.Run(sess)
	s.bump()
	return nil
}

// SubmitChoice takes the caller's stone number; 0 steps away.
func (s *Service) SubmitChoice(ctx context.Context, meta Meta, fake int) error {
	if fake < 0 {
		return lobby.ErrNoSuchStone
	}
	u, err := s.user(ctx, meta)
	if err != nil {
		return err
	}
	sess, err := s.reg.UserLobby(ctx, u)
	if err != nil {
		return err
	}
	if err := sess.RegisterChoice(ctx, u, fake); err != nil {
		return err
	}
	s.bump()
	return nil
}

// Field is the caller's view plus the lobby summary it belongs to.
type Field struct {
	Status  lobby.Status
	Token   string
	Pending int
	View    lobby.View
}

func (s *Service) CurrentView(ctx context.Context, meta Meta) (*Field, error) {
	u, err := s.user(ctx, meta)
	if err != nil {
		return nil, err
	}
	sess, err := s.reg.UserLobby(ctx, u)
	if err != nil {
		return nil, err
	}
	view, err := sess.CurrentView(u)
	if err != nil {
		return nil, err
	}
	f := &Field{Status: sess.Status(), Pending: sess.Pending(u), View: view}
	if m, ok := lo.Find(sess.Members(), func(m domain.Member) bool { return m.UserID == u.ID() }); ok {
		f.Token = m.Token
	}
	return f, nil
}

func (s *Service) LobbyStatus(ctx context.Context, lobbyID int64) (lobby.Status, error) {
	sess, err := s.reg.Lobby(ctx, lobbyID)
	if err != nil {
		return lobby.Status{}, err
	}
	return sess.Status(), nil
}

// MyLobby returns the status of the caller's lobby.
func (s *Service) MyLobby(ctx context.Context, meta Meta) (lobby.Status, error) {
	u, err := s.user(ctx, meta)
	if err != nil {
		return lobby.Status{}, err
	}
	sess, err := s.reg.UserLobby(ctx, u)
	if err != nil {
		return lobby.Status{}, err
	}
	return sess.Status(), nil
}

// EndRound forces the running round to end. Without a live driver the round
// is closed directly.
func (s *Service) EndRound(ctx context.Context, meta Meta, lobbyID int64) error {
	if _, err := s.requireAdmin(ctx, meta); err != nil {
		return err
	}
	sess, err := s.reg.Lobby(ctx, lobbyID)
	if err != nil {
		return err
	}
	if sess.Status().Status != domain.StatusStarted {
		return lobby.ErrGameIsNotRunning
	}
	if s.driver.ForceEnd(lobbyID) {
		return s.driver.Wait(ctx, lobbyID)
	}
	res, err := sess.EndRound(ctx)
	if err != nil {
		return err
	}
	s.events.RoundEnded(sess, res)
	s.bump()
	return nil
}

func (s *Service) EndGame(ctx context.Context, meta Meta, lobbyID int64) error {
	if _, err := s.requireAdmin(ctx, meta); err != nil {
		return err
	}
	sess, err := s.reg.Lobby(ctx, lobbyID)
	if err != nil {
		return err
	}
	if err := sess.EndGame(ctx); err != nil {
		return err
	}
	s.driver.Stop(lobbyID)
	s.bump()
	return nil
}

// ExportLog writes the lobby's move log as CSV and returns the file path.
func (s *Service) ExportLog(ctx context.Context, meta Meta, lobbyID int64) (string, error) {
	if _, err := s.requireAdmin(ctx, meta); err != nil {
		return "", err
	}
	rows, err := s.reg.Gateway().MoveLog(ctx, lobbyID)
	if errors.Is(err, domain.ErrLobbyNotFound) {
		return "", lobby.ErrNoSuchElement
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", lobby.ErrStorage, err)
	}
	path, err := s.exporter.Write(lobbyID, rows)
	if err != nil {
		return "", err
	}
	s.logger.Info("log_export", zap.Int64("lobby_id", lobbyID), zap.Int("rows", len(rows)), zap.String("path", path))
	return path, nil
}

// Wait blocks until move (round, move) or a later one is open, the status
// differs from the one seen on entry, or timeout passes. It always returns the
// latest status.
func (s *Service) Wait(ctx context.Context, lobbyID int64, round, move int, timeout time.Duration) (lobby.Status, error) {
	if timeout <= 0 || timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	first, err := s.LobbyStatus(ctx, lobbyID)
	if err != nil {
		return lobby.Status{}, err
	}
	for {
		ch := s.watch()
		st, err := s.LobbyStatus(ctx, lobbyID)
		if err != nil {
			return first, err
		}
		if st.Status != first.Status || reached(st, round, move) {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, nil
		}
	}
}

func reached(st lobby.Status, round, move int) bool {
	if st.Round != round {
		return st.Round > round
	}
	return st.Move > move || (st.Move == move && st.Open)
}

func (s *Service) watch() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *Service) bump() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// watchEvents wakes waiters on every driver transition before forwarding.
type watchEvents struct {
	svc  *Service
	next lobby.Events
}

func (w watchEvents) MoveOpened(sess *lobby.Session, b *lobby.MoveBarrier) {
	w.svc.bump()
	w.next.MoveOpened(sess, b)
}

func (w watchEvents) MoveEnded(sess *lobby.Session, res *lobby.MoveResult) {
	w.svc.bump()
	w.next.MoveEnded(sess, res)
}

func (w watchEvents) RoundEnded(sess *lobby.Session, res *lobby.RoundResult) {
	w.svc.bump()
	w.next.RoundEnded(sess, res)
}

package stones

import (
	"context"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
	"github.com/park285/Stones-KakaoTalk-bot/internal/lobby"
)

// RequestAdmin records a pending promotion request for the caller.
func (s *Service) RequestAdmin(ctx context.Context, meta Meta) error {
	u, err := s.user(ctx, meta)
	if err != nil {
		return err
	}
	if u.IsAdmin() {
		return ErrAlreadyAdmin
	}
	if err := s.reg.SetRole(ctx, u, u.Role(), true); err != nil {
		return err
	}
	s.logger.Info("admin_request", zap.String("user_id", u.ID()))
	return nil
}

// PendingAdminRequests lists non-admins waiting for a decision.
func (s *Service) PendingAdminRequests(ctx context.Context, meta Meta) ([]domain.UserRecord, error) {
	if _, err := s.requireAdmin(ctx, meta); err != nil {
		return nil, err
	}
	var out []domain.UserRecord
	for _, role := range []domain.Role{domain.RolePlayer, domain.RoleAgent} {
		recs, err := s.reg.UsersByRole(ctx, role)
		if err != nil {
			return nil, err
		}
		out = append(out, lo.Filter(recs, func(u domain.UserRecord, _ int) bool { return u.AdminRequested })...)
	}
	return out, nil
}

// ResolveAdminRequest accepts or rejects userID's request.
func (s *Service) ResolveAdminRequest(ctx context.Context, meta Meta, userID string, accept bool) error {
	if _, err := s.requireAdmin(ctx, meta); err != nil {
		return err
	}
	target, err := s.reg.User(ctx, userID, "", "")
	if err != nil {
		return err
	}
	if !target.Record().AdminRequested {
		return ErrNoPendingRequest
	}
	role := target.Role()
	if accept {
		role = domain.RoleAdmin
	}
	if err := s.reg.SetRole(ctx, target, role, false); err != nil {
		return err
	}
	s.logger.Info("admin_request_resolved", zap.String("user_id", userID), zap.String("by", meta.UserID), zap.Bool("accepted", accept))
	return nil
}

// FireAdmin demotes userID to player. Admins cannot fire themselves.
func (s *Service) FireAdmin(ctx context.Context, meta Meta, userID string) error {
	if _, err := s.requireAdmin(ctx, meta); err != nil {
		return err
	}
	if userID == meta.UserID {
		return ErrCannotFireSelf
	}
	target, err := s.reg.User(ctx, userID, "", "")
	if err != nil {
		return err
	}
	if !target.IsAdmin() {
		return lobby.ErrNoSuchElement
	}
	if err := s.reg.SetRole(ctx, target, domain.RolePlayer, false); err != nil {
		return err
	}
	s.logger.Info("admin_fire", zap.String("user_id", userID), zap.String("by", meta.UserID))
	return nil
}

func (s *Service) ListAdmins(ctx context.Context) ([]domain.UserRecord, error) {
	return s.reg.UsersByRole(ctx, domain.RoleAdmin)
}

// EnsureAgent marks the caller as an agent. Seated players keep their role.
func (s *Service) EnsureAgent(ctx context.Context, meta Meta) error {
	u, err := s.user(ctx, meta)
	if err != nil {
		return err
	}
	switch u.Role() {
	case domain.RoleAgent:
		return nil
	case domain.RoleAdmin:
		return ErrAgentRoleForbidden
	}
	return s.reg.SetRole(ctx, u, domain.RoleAgent, u.Record().AdminRequested)
}

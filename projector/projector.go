// Package projector applies terminal flow outcomes to the durable
// UserSite record.
package projector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/moneta-dev/sitelink/domain"
)

// UserSiteProjector mutates a UserSite exactly once per flow, at the
// terminal transition. Both projections are idempotent so at-least-once
// delivery (a crashed caller retrying the terminal notification)
// converges without error.
type UserSiteProjector struct {
	repo  domain.UserSiteRepository
	clock domain.Clock
}

// NewUserSiteProjector creates a projector over the restricted UserSite
// repository.
func NewUserSiteProjector(repo domain.UserSiteRepository, clock domain.Clock) *UserSiteProjector {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &UserSiteProjector{repo: repo, clock: clock}
}

// OnConnected marks the UserSite CONNECTED and clears any previous
// failure reason.
func (p *UserSiteProjector) OnConnected(ctx context.Context, userSiteRef string) error {
	site, err := p.repo.LoadUserSite(ctx, userSiteRef)
	if err != nil {
		return fmt.Errorf("failed to load user site %s: %w", userSiteRef, err)
	}
	if site.Status == domain.ConnectionStatusConnected {
		return nil
	}

	site.Status = domain.ConnectionStatusConnected
	site.LastFailureReason = ""
	site.UpdatedAt = p.clock.Now()
	if err := p.repo.SaveUserSite(ctx, site); err != nil {
		return fmt.Errorf("failed to save user site %s: %w", userSiteRef, err)
	}
	log.Info().Str("user_site_id", userSiteRef).Msg("user site connected")
	return nil
}

// OnFailed marks the UserSite FAILED and records the reason.
func (p *UserSiteProjector) OnFailed(ctx context.Context, userSiteRef string, reason domain.FailureReason) error {
	site, err := p.repo.LoadUserSite(ctx, userSiteRef)
	if err != nil {
		return fmt.Errorf("failed to load user site %s: %w", userSiteRef, err)
	}
	if site.Status == domain.ConnectionStatusFailed && site.LastFailureReason == reason {
		return nil
	}

	site.Status = domain.ConnectionStatusFailed
	site.LastFailureReason = reason
	site.UpdatedAt = p.clock.Now()
	if err := p.repo.SaveUserSite(ctx, site); err != nil {
		return fmt.Errorf("failed to save user site %s: %w", userSiteRef, err)
	}
	log.Info().
		Str("user_site_id", userSiteRef).
		Str("reason", string(reason)).
		Msg("user site linking failed")
	return nil
}

package projector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moneta-dev/sitelink/domain"
)

var errSiteNotFound = errors.New("user site not found")

type fakeUserSiteRepo struct {
	mu    sync.Mutex
	sites map[string]domain.UserSite
	saves int
}

func newFakeUserSiteRepo(sites ...domain.UserSite) *fakeUserSiteRepo {
	repo := &fakeUserSiteRepo{sites: make(map[string]domain.UserSite)}
	for _, site := range sites {
		repo.sites[site.ID] = site
	}
	return repo
}

func (r *fakeUserSiteRepo) CreateUserSite(_ context.Context, site *domain.UserSite) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sites[site.ID] = *site
	return nil
}

func (r *fakeUserSiteRepo) LoadUserSite(_ context.Context, id string) (*domain.UserSite, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	site, ok := r.sites[id]
	if !ok {
		return nil, errSiteNotFound
	}
	out := site
	return &out, nil
}

func (r *fakeUserSiteRepo) SaveUserSite(_ context.Context, site *domain.UserSite) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sites[site.ID] = *site
	r.saves++
	return nil
}

func (r *fakeUserSiteRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestUserSiteProjector_OnConnected(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}

	t.Run("marks the site connected and clears the failure reason", func(t *testing.T) {
		repo := newFakeUserSiteRepo(domain.UserSite{
			ID:                "site-1",
			Status:            domain.ConnectionStatusFailed,
			LastFailureReason: domain.FailureReasonStepRejected,
		})
		projector := NewUserSiteProjector(repo, clock)

		require.NoError(t, projector.OnConnected(ctx, "site-1"))

		site, err := repo.LoadUserSite(ctx, "site-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionStatusConnected, site.Status)
		assert.Empty(t, site.LastFailureReason)
		assert.Equal(t, clock.now, site.UpdatedAt)
	})

	t.Run("is idempotent", func(t *testing.T) {
		repo := newFakeUserSiteRepo(domain.UserSite{ID: "site-1", Status: domain.ConnectionStatusNotConnected})
		projector := NewUserSiteProjector(repo, clock)

		require.NoError(t, projector.OnConnected(ctx, "site-1"))
		require.NoError(t, projector.OnConnected(ctx, "site-1"))
		assert.Equal(t, 1, repo.saveCount())
	})

	t.Run("unknown site", func(t *testing.T) {
		projector := NewUserSiteProjector(newFakeUserSiteRepo(), clock)
		assert.ErrorIs(t, projector.OnConnected(ctx, "nope"), errSiteNotFound)
	})
}

func TestUserSiteProjector_OnFailed(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}

	t.Run("records status and reason", func(t *testing.T) {
		repo := newFakeUserSiteRepo(domain.UserSite{ID: "site-1", Status: domain.ConnectionStatusNotConnected})
		projector := NewUserSiteProjector(repo, clock)

		require.NoError(t, projector.OnFailed(ctx, "site-1", domain.FailureReasonUserDenied))

		site, err := repo.LoadUserSite(ctx, "site-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionStatusFailed, site.Status)
		assert.Equal(t, domain.FailureReasonUserDenied, site.LastFailureReason)
	})

	t.Run("is idempotent per reason", func(t *testing.T) {
		repo := newFakeUserSiteRepo(domain.UserSite{ID: "site-1", Status: domain.ConnectionStatusNotConnected})
		projector := NewUserSiteProjector(repo, clock)

		require.NoError(t, projector.OnFailed(ctx, "site-1", domain.FailureReasonExpired))
		require.NoError(t, projector.OnFailed(ctx, "site-1", domain.FailureReasonExpired))
		assert.Equal(t, 1, repo.saveCount())

		// A different reason is a new fact and is written.
		require.NoError(t, projector.OnFailed(ctx, "site-1", domain.FailureReasonStepRejected))
		assert.Equal(t, 2, repo.saveCount())
	})
}

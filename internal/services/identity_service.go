package services

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/servimatch/MarketplaceBack/internal/logger"
	"github.com/servimatch/MarketplaceBack/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const (
	FallbackSelfName  = "Usuário"
	FallbackOtherName = "Contato"
)

type userReader interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// identityCache is the shared cache tier. *cache.Cache satisfies it.
type identityCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

type IdentityOption func(*IdentityResolver)

// WithSharedCache adds a cross-process cache consulted after the local map.
func WithSharedCache(c identityCache) IdentityOption {
	return func(r *IdentityResolver) {
		r.shared = c
	}
}

// WithViewer sets whose view this resolver serves. Unknown ids equal to the
// viewer fall back to FallbackSelfName.
func WithViewer(userID string) IdentityOption {
	return func(r *IdentityResolver) {
		r.viewerID = userID
	}
}

// IdentityResolver maps user ids to display identities. Resolve never fails:
// missing records and read errors produce a fallback that is not cached, so a
// later call retries the lookup.
type IdentityResolver struct {
	users    userReader
	shared   identityCache
	viewerID string

	mu    sync.RWMutex
	known map[string]models.Identity
	group singleflight.Group
}

func NewIdentityResolver(users userReader, opts ...IdentityOption) *IdentityResolver {
	r := &IdentityResolver{
		users: users,
		known: make(map[string]models.Identity),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ForViewer returns a resolver with the same backing stores and a fresh
// local map bound to userID.
func (r *IdentityResolver) ForViewer(userID string) *IdentityResolver {
	return NewIdentityResolver(r.users, WithSharedCache(r.shared), WithViewer(userID))
}

func (r *IdentityResolver) Resolve(ctx context.Context, userID string) models.Identity {
	if userID == "" {
		return r.fallback(userID)
	}

	r.mu.RLock()
	identity, ok := r.known[userID]
	r.mu.RUnlock()
	if ok {
		return identity
	}

	v, _, _ := r.group.Do(userID, func() (any, error) {
		identity, ok := r.lookup(ctx, userID)
		if ok {
			r.mu.Lock()
			r.known[userID] = identity
			r.mu.Unlock()
		}
		return identity, nil
	})
	return v.(models.Identity)
}

// ResolveMany resolves ids in order. Duplicates are looked up once.
func (r *IdentityResolver) ResolveMany(ctx context.Context, userIDs []string) []models.Identity {
	out := make([]models.Identity, 0, len(userIDs))
	for _, id := range userIDs {
		out = append(out, r.Resolve(ctx, id))
	}
	return out
}

func (r *IdentityResolver) lookup(ctx context.Context, userID string) (models.Identity, bool) {
	ctx, finish := logger.StartSpan(ctx, "identity.resolve", attribute.String("user.id", userID))
	var spanErr error
	defer func() { finish(spanErr) }()

	// The shared cache owns its key prefix.
	if r.shared != nil {
		var cached models.Identity
		hit, err := r.shared.Get(ctx, userID, &cached)
		if err != nil {
			slog.WarnContext(ctx, "identity cache read failed", "user_id", userID, "error", err)
		} else if hit {
			return r.named(cached), true
		}
	}

	user, err := r.users.GetByID(ctx, userID)
	if err != nil {
		if !isNotFound(err) {
			spanErr = err
			slog.WarnContext(ctx, "identity lookup failed", "user_id", userID, "error", err)
		}
		return r.fallback(userID), false
	}

	identity := models.Identity{
		UserID: userID,
		Name:   strings.TrimSpace(user.DisplayName),
		Avatar: user.AvatarURL,
		Found:  true,
	}
	// Cached without the viewer-dependent placeholder name.
	if r.shared != nil {
		if err := r.shared.Set(ctx, userID, identity); err != nil {
			slog.WarnContext(ctx, "identity cache write failed", "user_id", userID, "error", err)
		}
	}
	return r.named(identity), true
}

// named fills a blank name with this viewer's placeholder.
func (r *IdentityResolver) named(identity models.Identity) models.Identity {
	if identity.Name == "" {
		identity.Name = r.fallback(identity.UserID).Name
	}
	return identity
}

func (r *IdentityResolver) fallback(userID string) models.Identity {
	name := FallbackOtherName
	if r.viewerID != "" && userID == r.viewerID {
		name = FallbackSelfName
	}
	return models.Identity{UserID: userID, Name: name}
}

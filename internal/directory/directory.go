// Package directory caches project membership and Slack configuration
// lookups. Caches are TTL- and size-bounded; the store stays authoritative.
package directory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/taskline/attentiond/internal/db"
)

// Store is the subset of the attention store the directory reads.
type Store interface {
	ProjectMemberIDs(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error)
	ResolveHandles(ctx context.Context, projectID uuid.UUID, handles []string) (map[string]uuid.UUID, error)
	SlackConfigByProject(ctx context.Context, projectID uuid.UUID) (*db.SlackConfig, error)
}

type Directory struct {
	store  Store
	logger *zap.Logger

	members *ttlcache.Cache[uuid.UUID, []uuid.UUID]
	slack   *ttlcache.Cache[uuid.UUID, *db.SlackConfig]
}

// New creates a directory with the given TTL. Capacity bounds keep a
// misbehaving caller from growing the caches without limit.
func New(store Store, ttl time.Duration, logger *zap.Logger) *Directory {
	if ttl <= 0 || ttl > 60*time.Second {
		ttl = 30 * time.Second
	}
	return &Directory{
		store:  store,
		logger: logger,
		members: ttlcache.New(
			ttlcache.WithTTL[uuid.UUID, []uuid.UUID](ttl),
			ttlcache.WithCapacity[uuid.UUID, []uuid.UUID](4096),
		),
		slack: ttlcache.New(
			ttlcache.WithTTL[uuid.UUID, *db.SlackConfig](ttl),
			ttlcache.WithCapacity[uuid.UUID, *db.SlackConfig](4096),
		),
	}
}

// MemberIDs returns the member set of a project.
func (d *Directory) MemberIDs(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	if item := d.members.Get(projectID); item != nil {
		return item.Value(), nil
	}
	ids, err := d.store.ProjectMemberIDs(ctx, projectID)
	if err != nil {
		return nil, err
	}
	d.members.Set(projectID, ids, ttlcache.DefaultTTL)
	return ids, nil
}

// IsMember reports whether a user belongs to a project.
func (d *Directory) IsMember(ctx context.Context, projectID, userID uuid.UUID) (bool, error) {
	ids, err := d.MemberIDs(ctx, projectID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// ResolveHandles maps handles to member user IDs, case-insensitively.
// Handle resolution is not cached: bodies rarely repeat and a stale handle
// map would misattribute mentions.
func (d *Directory) ResolveHandles(ctx context.Context, projectID uuid.UUID, handles []string) (map[string]uuid.UUID, error) {
	if len(handles) == 0 {
		return map[string]uuid.UUID{}, nil
	}
	resolved, err := d.store.ResolveHandles(ctx, projectID, handles)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uuid.UUID, len(resolved))
	for h, id := range resolved {
		out[strings.ToLower(h)] = id
	}
	return out, nil
}

// SlackConfig returns the project's Slack integration, nil when none.
func (d *Directory) SlackConfig(ctx context.Context, projectID uuid.UUID) (*db.SlackConfig, error) {
	if item := d.slack.Get(projectID); item != nil {
		return item.Value(), nil
	}
	cfg, err := d.store.SlackConfigByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	d.slack.Set(projectID, cfg, ttlcache.DefaultTTL)
	return cfg, nil
}

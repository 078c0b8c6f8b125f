// Package follow keeps the signed-in user's follow set. One Gate is shared by
// every listing so they all show the same state, and it decides who may be
// messaged.
package follow

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/4xmen/goftegu/internal/models"
	"github.com/4xmen/goftegu/pkg/logger"
)

// ErrNotFollowing rejects messaging a user the current user does not follow.
var ErrNotFollowing = errors.New("Follow this user to message them")

type API interface {
	Following(ctx context.Context) ([]string, error)
	Follow(ctx context.Context, userID string) error
	Unfollow(ctx context.Context, userID string) error
}

type Gate struct {
	api    API
	logger *zap.Logger
	group  singleflight.Group

	mu        sync.RWMutex
	following map[string]struct{}
	hydrated  bool
	err       error

	// mutations counts local changes; touched records the count at each
	// id's latest change. Together they tell a rollback or a hydrate
	// snapshot whether a newer local change must be kept.
	mutations uint64
	touched   map[string]uint64
}

func New(api API, log *zap.Logger) *Gate {
	return &Gate{
		api:       api,
		logger:    logger.OrNop(log),
		following: make(map[string]struct{}),
		touched:   make(map[string]uint64),
	}
}

// Hydrate loads the follow set once per session. Concurrent callers share a
// single request.
func (g *Gate) Hydrate(ctx context.Context) error {
	g.mu.RLock()
	done := g.hydrated
	g.mu.RUnlock()
	if done {
		return nil
	}
	return g.load(ctx)
}

// Refresh reloads the follow set even if it was already hydrated.
func (g *Gate) Refresh(ctx context.Context) error {
	return g.load(ctx)
}

func (g *Gate) load(ctx context.Context) error {
	_, err, _ := g.group.Do("following", func() (any, error) {
		g.mu.RLock()
		start := g.mutations
		g.mu.RUnlock()

		ids, err := g.api.Following(ctx)

		g.mu.Lock()
		defer g.mu.Unlock()
		if err != nil {
			g.err = err
			g.logger.Warn("failed to load follow set", zap.Error(err))
			return nil, errors.Wrap(err, "load follow set")
		}

		next := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			next[id] = struct{}{}
		}
		for id, at := range g.touched {
			if at <= start {
				continue
			}
			if _, ok := g.following[id]; ok {
				next[id] = struct{}{}
			} else {
				delete(next, id)
			}
		}
		g.following = next
		g.hydrated = true
		g.err = nil
		return nil, nil
	})
	return err
}

func (g *Gate) Hydrated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hydrated
}

func (g *Gate) IsFollowing(userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.following[userID]
	return ok
}

// Following returns the followed ids in sorted order.
func (g *Gate) Following() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.following))
	for id := range g.following {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Err is the latest follow failure, cleared by the next success.
func (g *Gate) Err() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.err
}

func (g *Gate) Follow(ctx context.Context, userID string) error {
	return g.set(ctx, userID, true)
}

func (g *Gate) Unfollow(ctx context.Context, userID string) error {
	return g.set(ctx, userID, false)
}

// set applies the change locally first and rolls it back if the server
// rejects it, unless the id was changed again in the meantime.
func (g *Gate) set(ctx context.Context, userID string, follow bool) error {
	g.mu.Lock()
	_, current := g.following[userID]
	if current == follow {
		g.mu.Unlock()
		return nil
	}
	g.apply(userID, follow)
	g.mutations++
	version := g.mutations
	g.touched[userID] = version
	g.mu.Unlock()

	if models.IsPlaceholder(userID) {
		return nil
	}

	var err error
	if follow {
		err = g.api.Follow(ctx, userID)
	} else {
		err = g.api.Unfollow(ctx, userID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		if g.touched[userID] == version {
			g.apply(userID, !follow)
		}
		g.err = err
		g.logger.Warn("follow change failed",
			zap.String("user_id", userID),
			zap.Bool("follow", follow),
			zap.Error(err))
		if follow {
			return errors.Wrapf(err, "follow %s", userID)
		}
		return errors.Wrapf(err, "unfollow %s", userID)
	}
	g.err = nil
	return nil
}

func (g *Gate) apply(userID string, follow bool) {
	if follow {
		g.following[userID] = struct{}{}
		return
	}
	delete(g.following, userID)
}

// Allow reports whether userID may be messaged: placeholders always, real
// users only when followed.
func (g *Gate) Allow(userID string) error {
	if models.IsPlaceholder(userID) || g.IsFollowing(userID) {
		return nil
	}
	return ErrNotFollowing
}

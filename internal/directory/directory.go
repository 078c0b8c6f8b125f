// Package directory lists the users the signed-in user might message:
// server-ranked recommendations and debounced free-text search.
package directory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/4xmen/goftegu/internal/api"
	"github.com/4xmen/goftegu/internal/models"
	"github.com/4xmen/goftegu/pkg/logger"
)

const (
	ListLimit       = 20
	CompactLimit    = 8
	DefaultDebounce = 300 * time.Millisecond
)

type API interface {
	RecommendedUsers(ctx context.Context) ([]models.User, error)
	SearchUsers(ctx context.Context, query string) ([]models.User, error)
}

// Result is one listing. Err marks a failed lookup, which is distinct from a
// successful lookup with no users. Fallback marks the placeholder set shown
// when recommendations could not be loaded.
type Result struct {
	Query    string
	Users    []models.User
	Fallback bool
	Err      error
}

// Empty reports a successful lookup that matched nobody.
func (r Result) Empty() bool {
	return r.Err == nil && len(r.Users) == 0
}

type Directory struct {
	api      API
	logger   *zap.Logger
	limit    int
	debounce time.Duration

	mu        sync.Mutex
	seq       uint64
	timer     *time.Timer
	stopped   bool
	latest    Result
	listeners []func(Result)
	pending   sync.WaitGroup
}

type Option func(*Directory)

// WithLimit sets the display cap, ListLimit by default.
func WithLimit(n int) Option {
	return func(d *Directory) {
		if n > 0 {
			d.limit = n
		}
	}
}

func WithDebounce(wait time.Duration) Option {
	return func(d *Directory) {
		if wait >= 0 {
			d.debounce = wait
		}
	}
}

func New(api API, log *zap.Logger, opts ...Option) *Directory {
	d := &Directory{
		api:      api,
		logger:   logger.OrNop(log),
		limit:    ListLimit,
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) Limit() int { return d.limit }

// Recommended returns the server ranking, capped. When it cannot be loaded
// the placeholder users are returned so the listing is never blank.
func (d *Directory) Recommended(ctx context.Context) Result {
	users, err := d.api.RecommendedUsers(ctx)
	if err != nil {
		d.logger.Warn("failed to load recommended users", zap.Error(err))
		if errors.Is(err, api.ErrUnauthorized) {
			return Result{Err: err}
		}
		return Result{Users: d.capped(models.PlaceholderUsers()), Fallback: true, Err: err}
	}
	return Result{Users: d.capped(users)}
}

// Search looks query up on the server. A blank query is the recommended
// listing.
func (d *Directory) Search(ctx context.Context, query string) Result {
	query = strings.TrimSpace(query)
	if query == "" {
		return d.Recommended(ctx)
	}
	users, err := d.api.SearchUsers(ctx, query)
	if err != nil {
		d.logger.Warn("user search failed", zap.String("query", query), zap.Error(err))
		return Result{Query: query, Err: err}
	}
	return Result{Query: query, Users: d.capped(users)}
}

// Query schedules a search after the debounce window. A newer call replaces
// a pending one, and a result that lands after a newer call was made is
// dropped. Results go to Latest and to OnResult listeners.
func (d *Directory) Query(ctx context.Context, query string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.seq++
	seq := d.seq
	if d.timer != nil && d.timer.Stop() {
		d.pending.Done()
	}
	d.pending.Add(1)
	d.timer = time.AfterFunc(d.debounce, func() {
		defer d.pending.Done()
		d.run(ctx, seq, query)
	})
}

func (d *Directory) run(ctx context.Context, seq uint64, query string) {
	if !d.current(seq) {
		return
	}
	res := d.Search(ctx, query)

	d.mu.Lock()
	if seq != d.seq || d.stopped {
		d.mu.Unlock()
		d.logger.Debug("dropping stale search result", zap.String("query", res.Query))
		return
	}
	d.latest = res
	listeners := append([]func(Result){}, d.listeners...)
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(res)
	}
}

func (d *Directory) current(seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return seq == d.seq && !d.stopped
}

// Latest is the most recent published Query result.
func (d *Directory) Latest() Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest
}

func (d *Directory) OnResult(fn func(Result)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Stop cancels a pending search and waits for a running one to finish.
func (d *Directory) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil && d.timer.Stop() {
		d.pending.Done()
	}
	d.timer = nil
	d.mu.Unlock()
	d.pending.Wait()
}

func (d *Directory) capped(users []models.User) []models.User {
	if len(users) > d.limit {
		users = users[:d.limit]
	}
	return append([]models.User{}, users...)
}

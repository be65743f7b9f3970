// Package query tracks the listing page and filter of a client and loads
// matching activities into the local cache.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/a-essam23/activitycast/pkg/activity"
	"github.com/a-essam23/activitycast/pkg/client/cache"
)

const DefaultPageSize = 10

// Lister is the listing call of the storage service.
type Lister interface {
	List(ctx context.Context, params url.Values) (*activity.Envelope, error)
}

// FetchError wraps a failed listing call. The cache is left as it was.
type FetchError struct {
	Params url.Values
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch activities (%s): %v", e.Params.Encode(), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Controller struct {
	mu         sync.Mutex
	pageSize   int
	page       int
	predicate  map[string]any
	totalCount int
	// bumped on every predicate change so late responses can be recognised
	gen uint64

	lister Lister
	store  *cache.Store
	logger *slog.Logger
}

func New(lister Lister, store *cache.Store, pageSize int, logger *slog.Logger) *Controller {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Controller{
		pageSize:  pageSize,
		predicate: make(map[string]any),
		lister:    lister,
		store:     store,
		logger:    logger.With(slog.String("component", "query")),
	}
}

// SetPredicate replaces the active filter. The key "all" removes every filter.
// The page goes back to 0, the cache is cleared and the first page is loaded.
func (c *Controller) SetPredicate(ctx context.Context, key string, value any) error {
	c.mu.Lock()
	clear(c.predicate)
	if key != activity.PredicateAll {
		c.predicate[key] = value
	}
	c.page = 0
	c.totalCount = 0
	c.gen++
	c.store.Clear()
	c.mu.Unlock()

	return c.Load(ctx)
}

// SetPage moves to page n and loads it. Pages of one predicate accumulate in the cache.
func (c *Controller) SetPage(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("page must be non-negative, got %d", n)
	}
	c.mu.Lock()
	c.page = n
	c.mu.Unlock()
	return c.Load(ctx)
}

// Params derives the listing parameters for the current page and predicate.
func (c *Controller) Params() url.Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paramsLocked()
}

func (c *Controller) paramsLocked() url.Values {
	v := url.Values{}
	v.Set("limit", strconv.Itoa(c.pageSize))
	v.Set("offset", strconv.Itoa(c.page*c.pageSize))
	for key, value := range c.predicate {
		v.Set(key, formatValue(value))
	}
	return v
}

func formatValue(value any) string {
	switch val := value.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

// Load fetches the current page and merges it into the cache. A response that
// arrives after the predicate changed is dropped.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	params := c.paramsLocked()
	c.mu.Unlock()

	env, err := c.lister.List(ctx, params)
	if err != nil {
		return &FetchError{Params: params, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		c.logger.Debug("Discarding stale page", slog.String("params", params.Encode()))
		return nil
	}
	c.totalCount = env.ActivityCount
	c.store.UpsertAll(env.Activities)
	return nil
}

func (c *Controller) Page() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

func (c *Controller) PageSize() int { return c.pageSize }

func (c *Controller) TotalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalCount
}

// Predicate returns a copy of the active filter.
func (c *Controller) Predicate() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.predicate))
	for k, v := range c.predicate {
		out[k] = v
	}
	return out
}

func (c *Controller) TotalPages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TotalPages(c.totalCount, c.pageSize)
}

// HasMore reports whether a page after the current one exists.
func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page+1 < TotalPages(c.totalCount, c.pageSize)
}

// TotalPages is ceil(total / size).
func TotalPages(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

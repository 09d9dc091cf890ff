// internal/resource/cache.go
package resource

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrResourceLoadFailed wraps any failure to fetch a @require or @resource URL.
var ErrResourceLoadFailed = errors.New("resource load failed")

type entry struct {
	content string
	// handle is the local data: reference, built on first GetURL after load.
	handle string
}

// Cache memoizes fetched text by URL for the lifetime of the process. A loaded
// entry is never evicted or refreshed.
type Cache struct {
	fetcher Fetcher
	log     *zap.Logger

	mu       sync.RWMutex
	entries  map[string]*entry
	disposed bool

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCache creates a cache that fetches misses through fetcher.
func NewCache(fetcher Fetcher, logger *zap.Logger) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		fetcher: fetcher,
		log:     logger.Named("resource_cache"),
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// GetText returns the cached content for url, or "" when it has not been loaded yet,
// in which case a background fetch is started so a later call can succeed.
func (c *Cache) GetText(url string) string {
	c.mu.RLock()
	e, ok := c.entries[url]
	disposed := c.disposed
	c.mu.RUnlock()
	if ok {
		return e.content
	}
	if !disposed {
		c.prefetch(url)
	}
	return ""
}

// GetURL returns a local data: reference to the content once loaded, otherwise url
// itself. A miss starts a background fetch like GetText.
func (c *Cache) GetURL(url string) string {
	c.mu.Lock()
	e, ok := c.entries[url]
	if !ok || c.disposed {
		disposed := c.disposed
		c.mu.Unlock()
		if !ok && !disposed {
			c.prefetch(url)
		}
		return url
	}
	if e.handle == "" {
		e.handle = dataURL(e.content)
	}
	handle := e.handle
	c.mu.Unlock()
	return handle
}

// Loaded reports whether url has been fetched successfully.
func (c *Cache) Loaded(url string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[url]
	return ok
}

// Load fetches url unless it is already cached. Concurrent loads of the same url
// share a single fetch, which runs under the cache's lifetime rather than any one
// caller's ctx; a caller whose ctx ends stops waiting without failing the others.
// Failures are wrapped in ErrResourceLoadFailed and are not cached.
func (c *Cache) Load(ctx context.Context, url string) (string, error) {
	c.mu.RLock()
	e, ok := c.entries[url]
	c.mu.RUnlock()
	if ok {
		return e.content, nil
	}

	ch := c.group.DoChan(url, func() (interface{}, error) {
		text, err := c.fetcher.FetchText(c.ctx, url)
		if err != nil {
			return "", err
		}
		c.store(url, text)
		return text, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.log.Warn("Failed to load resource", zap.String("url", url), zap.Error(res.Err))
			return "", fmt.Errorf("%w: %s: %v", ErrResourceLoadFailed, url, res.Err)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s: %v", ErrResourceLoadFailed, url, ctx.Err())
	}
}

// Preload loads every url concurrently and returns once all have settled. Failures
// are logged and skipped.
func (c *Cache) Preload(ctx context.Context, urls ...string) {
	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, _ = c.Load(ctx, u)
		}(u)
	}
	wg.Wait()
}

// Dispose releases the local data references and stops background fetches. Cached
// text remains readable; GetURL falls back to remote URLs afterwards.
func (c *Cache) Dispose() {
	c.mu.Lock()
	c.disposed = true
	for _, e := range c.entries {
		e.handle = ""
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *Cache) prefetch(url string) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		_, _ = c.Load(c.ctx, url)
	}()
}

func (c *Cache) store(url, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[url]; !ok {
		c.entries[url] = &entry{content: text}
	}
}

func dataURL(content string) string {
	mime := mimetype.Detect([]byte(content)).String()
	if strings.HasPrefix(mime, "text/plain") {
		mime = "text/plain;charset=utf-8"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString([]byte(content))
}

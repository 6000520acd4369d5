// Package pages loads paginated API collections through an authenticated
// client and caches them for the lifetime of the current identity.
package pages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/go-authgate/session-cli/authclient"
	"github.com/go-authgate/session-cli/envelope"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPageSize = 20
	defaultTTL      = 2 * time.Minute
	cacheMaxCost    = 8 << 20
)

// ErrNotReady reports that the session could not send the request yet.
var ErrNotReady = errors.New("session not ready")

// StatusError is a non-2xx answer to a page request.
type StatusError struct {
	StatusCode int
	Messages   []string
}

func (e *StatusError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("page request failed: %s", http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("page request failed: %s: %s",
		http.StatusText(e.StatusCode), strings.Join(e.Messages, "; "))
}

// Page is one page of a collection.
type Page struct {
	Path     string
	Items    []json.RawMessage
	Total    int
	Page     int
	PageSize int
}

// Fetcher loads pages. Cached pages are dropped whenever the session logs out.
type Fetcher struct {
	client *authclient.Client
	cache  *ristretto.Cache[string, *Page]
	ttl    time.Duration
	log    *logrus.Entry

	// generation changes on every purge so fetches that started before a
	// logout never repopulate the cache.
	generation atomic.Uint64
	afterStore func() // test hook, runs between caching a page and the re-check
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithTTL sets how long pages stay cached.
func WithTTL(ttl time.Duration) Option {
	return func(f *Fetcher) { f.ttl = ttl }
}

// New creates a Fetcher and ties its cache to the session of client.
func New(client *authclient.Client, opts ...Option) (*Fetcher, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *Page]{
		NumCounters: 10_000,
		MaxCost:     cacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize page cache: %w", err)
	}

	f := &Fetcher{
		client: client,
		cache:  cache,
		ttl:    defaultTTL,
		log:    client.Session().Logger().WithField("component", "pages"),
	}
	for _, opt := range opts {
		opt(f)
	}

	client.Session().OnLogout(f.Purge)
	return f, nil
}

// Fetch returns page number page (1-based) of the collection at path.
func (f *Fetcher) Fetch(ctx context.Context, path string, page, size int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	key := pageURL(path, page, size)

	if p, ok := f.cache.Get(key); ok {
		f.log.WithField("url", key).Debug("page cache hit")
		return p, nil
	}

	gen := f.generation.Load()
	resp, err := f.client.Do(ctx, authclient.Request{Method: http.MethodGet, URL: key})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrNotReady
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{StatusCode: resp.StatusCode}
		if env, err := envelope.Parse(body); err == nil {
			serr.Messages = env.Messages
		}
		return nil, serr
	}

	p, err := decodePage(body)
	if err != nil {
		return nil, err
	}
	p.Path, p.Page, p.PageSize = path, page, size

	if f.generation.Load() != gen {
		return p, nil
	}
	f.cache.SetWithTTL(key, p, int64(len(body)), f.ttl)
	f.cache.Wait()
	if f.afterStore != nil {
		f.afterStore()
	}
	// A Purge that ran since the check above must not leave this page behind.
	if f.generation.Load() != gen {
		f.cache.Del(key)
	}
	return p, nil
}

// FetchAll loads the first page of every path concurrently. Results keep the
// order of paths; the first error cancels the rest.
func (f *Fetcher) FetchAll(ctx context.Context, paths ...string) ([]*Page, error) {
	results := make([]*Page, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			p, err := f.Fetch(ctx, path, 1, DefaultPageSize)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Purge drops every cached page.
func (f *Fetcher) Purge() {
	f.generation.Add(1)
	f.cache.Clear()
}

// Close releases the cache.
func (f *Fetcher) Close() {
	f.cache.Close()
}

func decodePage(body []byte) (*Page, error) {
	env, err := envelope.Decode(body)
	if err != nil {
		return nil, err
	}
	items := env.Data.Get("items")
	if !items.IsArray() {
		return nil, fmt.Errorf("%w: missing data.items", envelope.ErrMalformed)
	}

	p := &Page{Total: int(env.Data.Get("total").Int())}
	for _, item := range items.Array() {
		p.Items = append(p.Items, json.RawMessage(item.Raw))
	}
	if p.Total < len(p.Items) {
		p.Total = len(p.Items)
	}
	return p, nil
}

func pageURL(path string, page, size int) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(size))
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

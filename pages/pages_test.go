package pages

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"testing"

	"github.com/go-authgate/session-cli/authclient"
	"github.com/go-authgate/session-cli/authtest"
	"github.com/go-authgate/session-cli/session"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"
)

// serveCollection answers GET path with total items named "<path>#<n>".
func serveCollection(srv *authtest.Server, path string, total int) {
	srv.Handle(http.MethodGet, path, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(session.HeaderAuthToken) == "" {
			authtest.WriteJSON(w, http.StatusUnauthorized, authtest.Failure("unauthorized"))
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

		body := string(authtest.Success())
		body, _ = sjson.Set(body, "data.total", total)
		body, _ = sjson.SetRaw(body, "data.items", "[]")
		for i := (page - 1) * size; i < page*size && i < total; i++ {
			body, _ = sjson.Set(body, "data.items.-1", map[string]any{"id": fmt.Sprintf("%s#%d", path, i)})
		}
		authtest.WriteJSON(w, http.StatusOK, []byte(body))
	})
}

func newFetcher(t *testing.T) (*Fetcher, *session.Session, *authtest.Server) {
	t.Helper()

	srv := authtest.NewServer()
	t.Cleanup(srv.Close)

	logger, _ := test.NewNullLogger()
	sess, err := session.New(session.Config{BaseURL: srv.URL}, session.WithLogger(logrus.NewEntry(logger)))
	require.NoError(t, err)
	sess.Start(context.Background())
	_, err = sess.Login(context.Background(), authtest.Email, authtest.Password)
	require.NoError(t, err)

	f, err := New(authclient.New(sess))
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f, sess, srv
}

func TestFetch(t *testing.T) {
	f, _, srv := newFetcher(t)
	serveCollection(srv, "/api/expenses", 45)

	p, err := f.Fetch(context.Background(), "/api/expenses", 3, 20)
	require.NoError(t, err)

	assert.Equal(t, 45, p.Total)
	assert.Equal(t, 3, p.Page)
	assert.Equal(t, 20, p.PageSize)
	require.Len(t, p.Items, 5)
	assert.JSONEq(t, `{"id":"/api/expenses#40"}`, string(p.Items[0]))
}

func TestFetch_Cached(t *testing.T) {
	f, _, srv := newFetcher(t)
	serveCollection(srv, "/api/expenses", 3)

	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), "/api/expenses", 1, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, srv.Count(http.MethodGet, "/api/expenses"))

	_, err := f.Fetch(context.Background(), "/api/expenses", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Count(http.MethodGet, "/api/expenses"))
}

func TestFetch_LogoutPurgesCache(t *testing.T) {
	f, sess, srv := newFetcher(t)
	serveCollection(srv, "/api/expenses", 3)

	_, err := f.Fetch(context.Background(), "/api/expenses", 1, 0)
	require.NoError(t, err)

	sess.Logout("test")

	_, err = f.Fetch(context.Background(), "/api/expenses", 1, 0)
	assert.ErrorIs(t, err, ErrNotReady, "no cached data may outlive the identity")

	_, err = sess.Login(context.Background(), authtest.Email, authtest.Password)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "/api/expenses", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Count(http.MethodGet, "/api/expenses"))
}

func TestFetch_LogoutDuringFetchIsNotCached(t *testing.T) {
	f, sess, srv := newFetcher(t)
	serveCollection(srv, "/api/expenses", 3)

	// The purge lands after the page is stored but before the fetch returns.
	f.afterStore = func() { f.generation.Add(1) }
	_, err := f.Fetch(context.Background(), "/api/expenses", 1, 0)
	require.NoError(t, err)
	f.afterStore = nil

	_, ok := f.cache.Get(pageURL("/api/expenses", 1, DefaultPageSize))
	assert.False(t, ok, "page of a departed identity must not stay cached")

	_, err = f.Fetch(context.Background(), "/api/expenses", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Count(http.MethodGet, "/api/expenses"))
	assert.NotEmpty(t, sess.Tokens().AccessToken())
}

func TestFetch_StatusError(t *testing.T) {
	f, _, srv := newFetcher(t)
	srv.Handle(http.MethodGet, "/api/missing", func(w http.ResponseWriter, r *http.Request) {
		authtest.WriteJSON(w, http.StatusNotFound, authtest.Failure("no such collection"))
	})

	_, err := f.Fetch(context.Background(), "/api/missing", 1, 0)

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.StatusCode)
	assert.Equal(t, []string{"no such collection"}, serr.Messages)
}

func TestFetch_MissingItems(t *testing.T) {
	f, _, _ := newFetcher(t)

	// The default /api handler answers without data.items.
	_, err := f.Fetch(context.Background(), "/api/plain", 1, 0)
	assert.ErrorContains(t, err, "data.items")
}

func TestFetchAll(t *testing.T) {
	f, _, srv := newFetcher(t)
	serveCollection(srv, "/api/expenses", 30)
	serveCollection(srv, "/api/subscriptions", 4)
	serveCollection(srv, "/api/categories", 0)

	got, err := f.FetchAll(context.Background(), "/api/expenses", "/api/subscriptions", "/api/categories")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "/api/expenses", got[0].Path)
	assert.Len(t, got[0].Items, DefaultPageSize)
	assert.Equal(t, 4, got[1].Total)
	assert.Empty(t, got[2].Items)
}

func TestFetchAll_FirstErrorWins(t *testing.T) {
	f, _, srv := newFetcher(t)
	serveCollection(srv, "/api/expenses", 2)
	srv.Handle(http.MethodGet, "/api/broken", func(w http.ResponseWriter, r *http.Request) {
		authtest.WriteJSON(w, http.StatusBadRequest, authtest.Failure("bad filter"))
	})

	_, err := f.FetchAll(context.Background(), "/api/expenses", "/api/broken")

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.ErrorContains(t, err, "/api/broken")
}

func TestPageURL(t *testing.T) {
	assert.Equal(t, "/api/x?page=2&page_size=10", pageURL("/api/x", 2, 10))
	assert.Equal(t, "/api/x?sort=date&page=1&page_size=5", pageURL("/api/x?sort=date", 1, 5))
}

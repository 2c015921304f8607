package worker

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/replay-bridge/cachestorage"
	"github.com/wolfeidau/replay-bridge/registry"
)

type upstream struct {
	*httptest.Server
	hits  atomic.Int32
	paths chan string
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{paths: make(chan string, 16)}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		select {
		case u.paths <- r.URL.Path:
		default:
		}
		handler(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func newTestInterceptor(t *testing.T, up *upstream, caches *cachestorage.Storage, passthrough http.Handler) (*Interceptor, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	_, err := reg.Register("a1", up.URL+"/a1.wacz", 2048)
	require.NoError(t, err)

	i := NewInterceptor(reg, caches, InterceptorConfig{
		ArchiveBaseURL: up.URL,
		Client:         NewHTTPClient(nil),
		Passthrough:    passthrough,
		TempDir:        t.TempDir(),
		Logger:         testLogger,
	})
	return i, reg
}

func serve(h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInterceptor_NotRegistered(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "should not be fetched")
	})
	i, _ := newTestInterceptor(t, up, newTestCaches(t), nil)

	rec := serve(i, http.MethodGet, "http://app.local/?waczArchive=unknown&path=x.html", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "Archive unknown not registered")
	require.Zero(t, up.hits.Load())
}

func TestInterceptor_MissThenHit(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>archived page</html>")
	})
	caches := newTestCaches(t)
	i, _ := newTestInterceptor(t, up, caches, nil)

	target := "http://app.local/?waczArchive=a1&path=page.html"

	rec := serve(i, http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	require.Equal(t, "<html>archived page</html>", rec.Body.String())
	require.Equal(t, "/a1/page.html", <-up.paths)
	i.Wait()

	rec = serve(i, http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	require.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	require.Equal(t, "<html>archived page</html>", rec.Body.String())
	require.EqualValues(t, 1, up.hits.Load())

	cache, err := caches.Open(t.Context(), caches.ArchiveCacheName("a1"))
	require.NoError(t, err)
	n, err := cache.Len(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestInterceptor_NoPathFetchesSource(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "archive bytes")
	})
	i, _ := newTestInterceptor(t, up, newTestCaches(t), nil)

	rec := serve(i, http.MethodGet, "http://app.local/?waczArchive=a1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "/a1.wacz", <-up.paths)
	i.Wait()
}

func TestInterceptor_ForwardsHeaders(t *testing.T) {
	got := make(chan http.Header, 1)
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	})
	i, _ := newTestInterceptor(t, up, nil, nil)

	serve(i, http.MethodGet, "http://app.local/?waczArchive=a1&path=x", http.Header{
		"Authorization":   {"Bearer abc"},
		"Accept-Language": {"en"},
		"X-Private":       {"nope"},
	})
	h := <-got
	require.Equal(t, "Bearer abc", h.Get("Authorization"))
	require.Equal(t, "en", h.Get("Accept-Language"))
	require.Empty(t, h.Get("X-Private"))
}

func TestInterceptor_UpstreamErrorStatusRelayed(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	caches := newTestCaches(t)
	i, _ := newTestInterceptor(t, up, caches, nil)

	target := "http://app.local/?waczArchive=a1&path=missing.html"
	rec := serve(i, http.MethodGet, target, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	i.Wait()

	// error responses are never stored
	rec = serve(i, http.MethodGet, target, nil)
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	require.EqualValues(t, 2, up.hits.Load())
}

func TestInterceptor_UpstreamUnreachable(t *testing.T) {
	up := newUpstream(t, func(http.ResponseWriter, *http.Request) {})
	i, _ := newTestInterceptor(t, up, newTestCaches(t), nil)
	up.Close()

	rec := serve(i, http.MethodGet, "http://app.local/?waczArchive=a1&path=page.html", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "Error fetching content")
}

func TestInterceptor_PathEscapeRejected(t *testing.T) {
	up := newUpstream(t, func(http.ResponseWriter, *http.Request) {})
	i, _ := newTestInterceptor(t, up, nil, nil)

	rec := serve(i, http.MethodGet, "http://app.local/?waczArchive=a1&path=../../secret", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Zero(t, up.hits.Load())
}

func TestInterceptor_PartialAndNonGetNotCached(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			w.Header().Set("Content-Range", "bytes 0-3/10")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = io.WriteString(w, "abcd")
			return
		}
		_, _ = io.WriteString(w, "full body!")
	})
	caches := newTestCaches(t)
	i, _ := newTestInterceptor(t, up, caches, nil)

	target := "http://app.local/?waczArchive=a1&path=data.bin"
	rec := serve(i, http.MethodGet, target, http.Header{"Range": {"bytes=0-3"}})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "abcd", rec.Body.String())

	rec = serve(i, http.MethodPost, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	i.Wait()

	cache, err := caches.Open(t.Context(), caches.ArchiveCacheName("a1"))
	require.NoError(t, err)
	n, err := cache.Len(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestInterceptor_Passthrough(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "origin "+r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	up := newUpstream(t, func(http.ResponseWriter, *http.Request) {})
	i, _ := newTestInterceptor(t, up, nil, NewPassthrough(origin.URL))

	rec := serve(i, http.MethodGet, "/static/app.js?v=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "origin /static/app.js", rec.Body.String())
	require.Empty(t, rec.Header().Get("X-Cache"))
	require.Zero(t, up.hits.Load())
}

func TestPassthrough_NoOrigin(t *testing.T) {
	rec := serve(NewPassthrough(""), http.MethodGet, "/static/app.js", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "No upstream for /static/app.js")
}

func TestCacheable(t *testing.T) {
	get := httptest.NewRequest(http.MethodGet, "/", nil)
	ranged := httptest.NewRequest(http.MethodGet, "/", nil)
	ranged.Header.Set("Range", "bytes=0-1")
	head := httptest.NewRequest(http.MethodHead, "/", nil)

	require.True(t, cacheable(get, &http.Response{StatusCode: http.StatusOK}))
	require.False(t, cacheable(get, &http.Response{StatusCode: http.StatusPartialContent}))
	require.False(t, cacheable(get, &http.Response{StatusCode: http.StatusNotFound}))
	require.False(t, cacheable(ranged, &http.Response{StatusCode: http.StatusOK}))
	require.False(t, cacheable(head, &http.Response{StatusCode: http.StatusOK}))
}

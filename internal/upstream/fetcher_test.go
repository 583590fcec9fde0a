package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapcache/internal/offline"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestFetcher() *Fetcher {
	return New(WithClock(func() time.Time { return fixedNow }), WithTimeout(5*time.Second))
}

func TestFetchMapsSuccess(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Cache-Control", "public, max-age=60, must-revalidate")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Wed, 01 May 2024 10:00:00 GMT")
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	resp, err := newTestFetcher().Fetch(context.Background(), offline.NewResource(offline.KindStyle, server.URL), nil)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Equal(t, []byte("payload"), resp.Data)
	assert.Equal(t, `"v1"`, resp.ETag)
	assert.True(t, resp.MustRevalidate)
	assert.Equal(t, fixedNow.Add(time.Minute), resp.Expires)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), resp.Modified)
}

func TestFetchSendsConditionalHeaders(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.Header().Set("Expires", "Thu, 02 May 2024 12:00:00 GMT")
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte("fresh"))
	}))
	defer server.Close()

	prior := &offline.Response{ETag: `"v1"`}
	resp, err := newTestFetcher().Fetch(context.Background(), offline.NewResource(offline.KindStyle, server.URL), prior)
	require.NoError(t, err)
	assert.True(t, resp.NotModified)
	assert.Nil(t, resp.Data)
	assert.Equal(t, time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC), resp.Expires)
}

func TestFetchMapsStatuses(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status    int
		noContent bool
		reason    offline.ErrorReason
		isError   bool
	}{
		{status: http.StatusNoContent, noContent: true},
		{status: http.StatusNotFound, noContent: true},
		{status: http.StatusTooManyRequests, reason: offline.ReasonRateLimit, isError: true},
		{status: http.StatusBadGateway, reason: offline.ReasonServer, isError: true},
		{status: http.StatusForbidden, reason: offline.ReasonOther, isError: true},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "30")
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			resp, err := newTestFetcher().Fetch(context.Background(), offline.NewResource(offline.KindImage, server.URL), nil)
			require.NoError(t, err)
			assert.Equal(t, tc.noContent, resp.NoContent)
			if !tc.isError {
				assert.Nil(t, resp.Error)
				return
			}
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.reason, resp.Error.Reason)
			if tc.reason == offline.ReasonRateLimit {
				assert.Equal(t, fixedNow.Add(30*time.Second), resp.Error.RetryAfter)
			}
		})
	}
}

func TestFetchConnectionFailure(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	resp, err := newTestFetcher().Fetch(context.Background(), offline.NewResource(offline.KindStyle, url), nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, offline.ReasonConnection, resp.Error.Reason)
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestFetcher().Fetch(ctx, offline.NewResource(offline.KindStyle, server.URL), nil)
	assert.True(t, IsCanceled(err))
}

func TestParseCacheControl(t *testing.T) {
	t.Parallel()

	cc := parseCacheControl("max-age=10, s-maxage=20")
	expires, ok := cc.expires(fixedNow)
	require.True(t, ok)
	assert.Equal(t, fixedNow.Add(20*time.Second), expires)
	assert.False(t, cc.mustRevalidate)

	cc = parseCacheControl("no-cache")
	_, ok = cc.expires(fixedNow)
	assert.False(t, ok)
	assert.True(t, cc.mustRevalidate)

	cc = parseCacheControl(`max-age="bogus"`)
	_, ok = cc.expires(fixedNow)
	assert.False(t, ok)
}

func TestExpandTile(t *testing.T) {
	t.Parallel()
	tile := offline.TileData{PixelRatio: 2, Z: 3, X: 5, Y: 2}

	assert.Equal(t, "https://a/3/5/2@2x.png", ExpandTile("https://a/{z}/{x}/{y}{ratio}.png", tile))
	assert.Equal(t, "https://a/52/q/", ExpandTile("https://a/{prefix}/q/", tile))
	assert.Equal(t, "https://a/q/121", ExpandTile("https://a/q/{quadkey}", tile))

	tile.PixelRatio = 1
	res := TileResource("https://a/{z}/{x}/{y}{ratio}.png", tile)
	assert.Equal(t, offline.KindTile, res.Kind)
	assert.Equal(t, "https://a/3/5/2.png", res.URL)
	assert.Equal(t, "https://a/{z}/{x}/{y}{ratio}.png", res.Tile.URLTemplate)
}

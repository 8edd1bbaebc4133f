package tracker_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreokoo/qbit/internal/metainfo"
	"github.com/oreokoo/qbit/internal/tracker"
)

const validResponseBody = "d8:intervali900e5:peers6:\x7f\x00\x00\x01\x1a\xe1e"

func TestBuildURLRejectsNonHTTPScheme(t *testing.T) {
	md := &metainfo.Metadata{Announce: "udp://tracker.example.com:80/announce"}
	_, err := tracker.BuildURL(md, [20]byte{}, tracker.ListenPort)
	assert.Error(t, err)
}

func TestFetchAndDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(validResponseBody))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := tracker.Fetch(ctx, srv.URL)
	require.NoError(t, err)

	resp, err := tracker.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, 900, resp.Interval)
	assert.Len(t, resp.Peers, 6)
}

func TestFetchOrCachedWritesAndReusesCache(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(validResponseBody))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", cacheDir)

	md := &metainfo.Metadata{
		Announce: srv.URL,
		Info:     metainfo.Info{SingleLength: 1000},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp1, err := tracker.FetchOrCached(ctx, md, [20]byte{}, tracker.ListenPort)
	require.NoError(t, err)
	assert.Equal(t, 900, resp1.Interval)
	assert.Equal(t, 1, hits)

	resp2, err := tracker.FetchOrCached(ctx, md, [20]byte{}, tracker.ListenPort)
	require.NoError(t, err)
	assert.Equal(t, resp1, resp2)
	assert.Equal(t, 1, hits, "a fresh cache entry must not trigger a second announce")
}

func TestFetchOrCachedReAnnouncesWhenCacheIsStale(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("d8:intervali0e5:peers0:e"))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", cacheDir)

	md := &metainfo.Metadata{
		Announce: srv.URL,
		Info:     metainfo.Info{SingleLength: 1000},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := tracker.FetchOrCached(ctx, md, [20]byte{}, tracker.ListenPort)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond) // interval is 0s, so the cache is already stale

	_, err = tracker.FetchOrCached(ctx, md, [20]byte{}, tracker.ListenPort)
	require.NoError(t, err)
	assert.Equal(t, 2, hits, "an interval-0 cache entry is always stale")
}

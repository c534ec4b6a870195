package tier

import (
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/tierfetch/tierfetch/internal/resource"
)

func newTestShared(t *testing.T) (*Shared, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("miniredis unavailable in sandbox")
		}
		require.NoError(t, err)
	}
	t.Cleanup(server.Close)

	shared, err := NewShared(SharedOptions{
		Address: server.Addr(),
		TTL:     time.Minute,
		Prefix:  "test:",
		Filter:  cssFilter(),
	})
	require.NoError(t, err)
	t.Cleanup(shared.Destroy)
	return shared, server
}

func TestSharedPopulatesAndServes(t *testing.T) {
	shared, server := newTestShared(t)
	req := resource.NewRequest("https://example.com/site.css")
	next := &terminal{res: func() *resource.Resource { return cssResource("body{}") }}

	first := run(shared, next, req)
	require.NotNil(t, first)
	require.True(t, server.Exists("test:"+req.Key()), "expected record under prefixed key")
	ttl := server.TTL("test:" + req.Key())
	require.True(t, ttl > 0 && ttl <= time.Minute, "unexpected ttl %s", ttl)

	second := run(shared, next, req)
	require.NotNil(t, second)
	require.Equal(t, 1, next.count(), "hit should not delegate")
	require.Equal(t, "body{}", string(second.OriginBytes))
	require.Equal(t, "text/css", second.ContentType())
	require.Equal(t, "OK", second.ReasonPhrase)
	require.Equal(t, "text/css", second.MimeHint)
}

func TestSharedSkipsUncacheable(t *testing.T) {
	shared, server := newTestShared(t)
	req := resource.NewRequest("https://example.com/a.mp4")
	next := &terminal{res: func() *resource.Resource {
		res := cssResource("video")
		res.ResponseHeaders.Set("Content-Type", "video/mp4")
		return res
	}}

	require.NotNil(t, run(shared, next, req))
	require.False(t, server.Exists("test:"+req.Key()))
}

func TestSharedTreatsGarbageAsMiss(t *testing.T) {
	shared, server := newTestShared(t)
	req := resource.NewRequest("https://example.com/site.css")
	require.NoError(t, server.Set("test:"+req.Key(), "not-json"))

	next := &terminal{res: func() *resource.Resource { return cssResource("fresh") }}
	got := run(shared, next, req)
	require.Equal(t, 1, next.count())
	require.Equal(t, "fresh", string(got.OriginBytes))
}

func TestSharedRequiresAddress(t *testing.T) {
	_, err := NewShared(SharedOptions{TTL: time.Minute})
	require.Error(t, err)
	_, err = NewShared(SharedOptions{Address: "127.0.0.1:1"})
	require.Error(t, err)
}

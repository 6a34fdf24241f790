package tweetvault

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quailyard/tweetvault/models"
	"github.com/quailyard/tweetvault/store"
)

func testArchiveStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "someone_archive.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMissingRangesFreshArchive(t *testing.T) {
	a, err := New(&ArchiverArgs{
		Logger:    testLogger(),
		Client:    NewClient(nil),
		Store:     testArchiveStore(t),
		MediaRoot: t.TempDir(),
		Handle:    "someone",
	})
	require.NoError(t, err)

	ranges, err := a.missingRanges()
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Zero(t, ranges[0].MinID)
	assert.Zero(t, ranges[0].MaxID)
}

func TestMissingRangesPartialArchive(t *testing.T) {
	st := testArchiveStore(t)
	require.NoError(t, st.SavePage([]*models.Post{
		{TweetID: 10, ThreadID: 10, Timestamp: 1000, AccountID: 7},
		{TweetID: 25, ThreadID: 25, Timestamp: 2000, AccountID: 7},
	}, nil, nil))

	a, err := New(&ArchiverArgs{
		Logger:    testLogger(),
		Client:    NewClient(nil),
		Store:     st,
		MediaRoot: t.TempDir(),
		Handle:    "someone",
	})
	require.NoError(t, err)

	ranges, err := a.missingRanges()
	require.NoError(t, err)
	require.Len(t, ranges, 2)

	// older than everything archived, then newer than everything archived
	assert.Equal(t, int64(10), ranges[0].MaxID)
	assert.Zero(t, ranges[0].MinID)
	assert.Equal(t, int64(25), ranges[1].MinID)
	assert.Zero(t, ranges[1].MaxID)
}

func TestMissingRangesNoUpdate(t *testing.T) {
	st := testArchiveStore(t)
	require.NoError(t, st.SavePage([]*models.Post{
		{TweetID: 10, ThreadID: 10, Timestamp: 1000, AccountID: 7},
	}, nil, nil))

	a, err := New(&ArchiverArgs{
		Logger:    testLogger(),
		Client:    NewClient(nil),
		Store:     st,
		MediaRoot: t.TempDir(),
		Handle:    "someone",
		NoUpdate:  true,
	})
	require.NoError(t, err)

	ranges, err := a.missingRanges()
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, int64(10), ranges[0].MaxID)
}

func TestArchiverRunEndToEnd(t *testing.T) {
	content := "jpeg bytes"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := serverBase(r)
		switch {
		case r.URL.Path == "/1.1/guest/activate.json":
			fmt.Fprint(w, `{"guest_token":"gt-1"}`)

		case r.URL.Path == "/search":
			q := r.URL.Query().Get("q")
			if strings.Contains(q, "max_id") {
				fmt.Fprint(w, "<html><body></body></html>")
				return
			}
			fmt.Fprint(w, "<html><body>")
			fmt.Fprint(w, fragment(100, 100, 7, fmt.Sprintf(`
				<p class="js-tweet-text">with a picture</p>
				<div class="AdaptiveMediaOuterContainer">
					<div class="AdaptiveMedia-photoContainer"><img src="%s/media/one.jpg"/></div>
				</div>`, base)))
			fmt.Fprint(w, fragment(99, 99, 7, `<p class="js-tweet-text">plain</p>`))
			fmt.Fprint(w, "</body></html>")

		case strings.HasPrefix(r.URL.Path, "/media/one.jpg"):
			w.Write([]byte(content))

		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	st := testArchiveStore(t)
	mediaRoot := t.TempDir()
	client := NewClient(&ClientArgs{Logger: testLogger(), BaseURL: srv.URL, APIBaseURL: srv.URL})
	defer client.Close()

	a, err := New(&ArchiverArgs{
		Logger:    testLogger(),
		Client:    client,
		Store:     st,
		MediaRoot: mediaRoot,
		Handle:    "someone",
		PageDelay: time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, a.Run(context.Background()))

	newest, err := st.NewestPostID()
	require.NoError(t, err)
	assert.Equal(t, int64(100), newest)

	oldest, err := st.OldestPostID()
	require.NoError(t, err)
	assert.Equal(t, int64(99), oldest)

	missing, err := st.MissingMedia()
	require.NoError(t, err)
	assert.Empty(t, missing, "the media backlog must be drained")

	stored, err := os.ReadFile(filepath.Join(mediaRoot, "images", "one.jpg"))
	require.NoError(t, err)
	assert.Equal(t, content, string(stored))

	raw, err := st.RawFragments()
	require.NoError(t, err)
	require.Len(t, raw, 2)
	assert.Equal(t, int64(99), raw[0].TweetID)
	assert.Equal(t, int64(100), raw[1].TweetID)
}

func TestArchiverRunSkipsMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/1.1/guest/activate.json":
			fmt.Fprint(w, `{"guest_token":"gt-1"}`)
		case "/search":
			fmt.Fprint(w, "<html><body></body></html>")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(&ClientArgs{Logger: testLogger(), BaseURL: srv.URL, APIBaseURL: srv.URL})
	defer client.Close()

	a, err := New(&ArchiverArgs{
		Logger:    testLogger(),
		Client:    client,
		Store:     testArchiveStore(t),
		MediaRoot: t.TempDir(),
		Handle:    "someone",
		PageDelay: time.Millisecond,
		SkipMedia: true,
	})
	require.NoError(t, err)

	require.NoError(t, a.Run(context.Background()))
}

func TestNewRequiresHandle(t *testing.T) {
	_, err := New(&ArchiverArgs{Logger: testLogger(), Client: NewClient(nil), Store: testArchiveStore(t), MediaRoot: t.TempDir()})
	require.Error(t, err)
}

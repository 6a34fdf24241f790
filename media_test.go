package tweetvault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quailyard/tweetvault/models"
)

// memStore is an in-memory stand-in for the attachment persistence the
// downloader needs.
type memStore struct {
	byHash    map[string]*models.Attachment
	committed []*models.Attachment
}

func newMemStore() *memStore {
	return &memStore{byHash: make(map[string]*models.Attachment)}
}

func (m *memStore) AttachmentByHash(hash string) (*models.Attachment, error) {
	return m.byHash[hash], nil
}

func (m *memStore) UpdateAttachmentFile(att *models.Attachment) error {
	cp := *att
	m.committed = append(m.committed, &cp)
	if att.Hash != "" {
		if _, ok := m.byHash[att.Hash]; !ok {
			m.byHash[att.Hash] = &cp
		}
	}
	return nil
}

func mediaTestSetup(t *testing.T, handler http.HandlerFunc) (*Downloader, *memStore, string) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	root := t.TempDir()
	st := newMemStore()
	d, err := NewDownloader(&DownloaderArgs{
		Client: NewClient(&ClientArgs{Logger: testLogger()}),
		Store:  st,
		Logger: testLogger(),
		Root:   root,
	})
	require.NoError(t, err)

	return d, st, srv.URL
}

func TestSyncMissingDownloadsBestQuality(t *testing.T) {
	content := "jpeg bytes"
	var paths []string
	d, st, base := mediaTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if !strings.HasSuffix(r.URL.Path, ":orig") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(content))
	})

	att := &models.Attachment{TweetID: 42, URL: base + "/media/pic.jpg", Position: 1, Type: "image:jpg"}

	count, err := d.SyncMissing(context.Background(), []*models.Attachment{att})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Equal(t, []string{"/media/pic.jpg:orig"}, paths)
	assert.Equal(t, filepath.Join("images", "pic.jpg"), att.Path)
	assert.Equal(t, int64(len(content)), att.Size)
	assert.NotEmpty(t, att.Hash)

	stored, err := os.ReadFile(filepath.Join(d.root, att.Path))
	require.NoError(t, err)
	assert.Equal(t, content, string(stored))

	require.Len(t, st.committed, 1)
	assert.Equal(t, att.Path, st.committed[0].Path)
}

func TestSyncMissingFallsThroughQualityVariants(t *testing.T) {
	var paths []string
	d, _, base := mediaTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch {
		case strings.HasSuffix(r.URL.Path, ":orig"):
			http.NotFound(w, r)
		case strings.HasSuffix(r.URL.Path, ":large"):
			w.Write([]byte("large variant"))
		default:
			http.NotFound(w, r)
		}
	})

	att := &models.Attachment{TweetID: 42, URL: base + "/media/pic.jpg", Position: 1, Type: "image:jpg"}

	count, err := d.SyncMissing(context.Background(), []*models.Attachment{att})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Equal(t, []string{"/media/pic.jpg:orig", "/media/pic.jpg:large"}, paths)
	assert.Equal(t, int64(len("large variant")), att.Size)
}

func TestSyncMissingAllVariantsGone(t *testing.T) {
	d, st, base := mediaTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	att := &models.Attachment{TweetID: 42, URL: base + "/media/gone.jpg", Position: 1, Type: "image:jpg"}

	count, err := d.SyncMissing(context.Background(), []*models.Attachment{att})
	assert.Equal(t, 0, count)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 404, terr.Status)
	assert.Empty(t, st.committed)
}

func TestSyncMissingDeduplicatesByContent(t *testing.T) {
	content := "identical bytes"
	d, st, base := mediaTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	})

	first := &models.Attachment{TweetID: 42, URL: base + "/media/a.jpg", Position: 1, Type: "image:jpg"}
	second := &models.Attachment{TweetID: 43, URL: base + "/media/b.jpg", Position: 1, Type: "image:jpg"}

	count, err := d.SyncMissing(context.Background(), []*models.Attachment{first, second})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, first.Path, second.Path, "identical content shares one file")
	require.Len(t, st.committed, 2)

	// only one copy on disk
	entries, err := os.ReadDir(filepath.Join(d.root, imageDir))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// scratch space left clean
	scratch, err := os.ReadDir(filepath.Join(d.root, scratchDir))
	require.NoError(t, err)
	assert.Empty(t, scratch)
}

func TestSyncMissingSizeMismatchIsFatal(t *testing.T) {
	content := "some bytes"
	d, st, base := mediaTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	})

	att := &models.Attachment{TweetID: 42, URL: base + "/media/a.jpg", Position: 1, Type: "image:jpg"}

	// a row already claims this content hash with a different size
	_, err := d.SyncMissing(context.Background(), []*models.Attachment{att})
	require.NoError(t, err)
	st.byHash[att.Hash].Size = att.Size + 1

	clash := &models.Attachment{TweetID: 43, URL: base + "/media/b.jpg", Position: 1, Type: "image:jpg"}
	_, err = d.SyncMissing(context.Background(), []*models.Attachment{clash})

	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, int64(43), ierr.TweetID)
}

func TestSyncMissingSkipsFullVideos(t *testing.T) {
	var calls int
	d, st, base := mediaTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})

	att := &models.Attachment{TweetID: 42, URL: base + "/user/status/42", Position: 1, Type: models.AttachmentVideo}

	count, err := d.SyncMissing(context.Background(), []*models.Attachment{att})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, calls)
	assert.Empty(t, st.committed)
	assert.False(t, att.Downloaded())
}

func TestSyncMissingSkipsAlreadyDownloaded(t *testing.T) {
	var calls int
	d, _, base := mediaTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})

	att := &models.Attachment{TweetID: 42, URL: base + "/media/a.jpg", Position: 1, Type: "image:jpg", Path: "images/a.jpg"}

	count, err := d.SyncMissing(context.Background(), []*models.Attachment{att})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, calls)
}

func TestKindDir(t *testing.T) {
	assert.Equal(t, imageDir, kindDir("image:jpg"))
	assert.Equal(t, clipDir, kindDir(models.AttachmentClip))
	assert.Equal(t, videoDir, kindDir(models.AttachmentVideo))
}

func TestAttachmentFilename(t *testing.T) {
	assert.Equal(t, "pic.jpg", attachmentFilename("https://pbs.twimg.com/media/pic.jpg"))
	assert.Equal(t, "clip.mp4", attachmentFilename("https://video.twimg.com/tweet_video/clip.mp4"))
}

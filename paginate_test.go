package tweetvault

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamFragments(ids ...int64) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, id := range ids {
		fmt.Fprintf(&b, `<div class="js-stream-tweet" data-tweet-id="%d"></div>`, id)
	}
	b.WriteString("</body></html>")
	return b.String()
}

// descending returns n consecutive ids starting at from, newest first,
// the order the feed serves them in.
func descending(from int64, n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = from - int64(i)
	}
	return ids
}

func scrapeTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(&ClientArgs{Logger: testLogger(), BaseURL: srv.URL})
}

func TestScrapeBoundsExcludeKnownPosts(t *testing.T) {
	client := NewClient(nil)

	pg := client.Scrape(testLogger(), ScrapeOptions{Handle: "someone", MinID: 100, MaxID: 200})

	q := pg.queryURL()
	assert.Contains(t, q, "since_id%3A101")
	assert.Contains(t, q, "max_id%3A199")
	assert.Contains(t, q, "from%3Asomeone")
}

func TestScrapeUnboundedOmitsBounds(t *testing.T) {
	client := NewClient(nil)

	pg := client.Scrape(testLogger(), ScrapeOptions{Handle: "someone"})

	q := pg.queryURL()
	assert.NotContains(t, q, "since_id")
	assert.NotContains(t, q, "max_id")
}

func TestScrapeWalksPagesOldestIDDown(t *testing.T) {
	var queries []string
	client := scrapeTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		queries = append(queries, q)
		if strings.Contains(q, "max_id") {
			fmt.Fprint(w, streamFragments())
			return
		}
		fmt.Fprint(w, streamFragments(descending(500, postsPerPage)...))
	})

	pg := client.Scrape(testLogger(), ScrapeOptions{Handle: "someone", PageDelay: time.Millisecond})

	batch, err := pg.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, 1, batch.Number)
	assert.Len(t, batch.Fragments, postsPerPage)

	batch, err = pg.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.Equal(t, OutcomeEnd, pg.Outcome())
	require.NoError(t, pg.Err())

	// page 1 served ids 500..481; page 2 must ask for strictly older
	require.Len(t, queries, 2)
	assert.Contains(t, queries[1], "max_id:480")
}

func TestScrapePageLimit(t *testing.T) {
	client := scrapeTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, streamFragments(descending(500, postsPerPage)...))
	})

	pg := client.Scrape(testLogger(), ScrapeOptions{Handle: "someone", PageLimit: 1, PageDelay: time.Millisecond})

	batch, err := pg.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, batch)

	batch, err = pg.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.Equal(t, OutcomeLimitReached, pg.Outcome())
}

func TestScrapeSuspendedAccountAborts(t *testing.T) {
	page := `<html><body>
		<div class="js-stream-tweet" data-tweet-id="500"></div>
		<div class="js-stream-tweet"><div class="Tombstone"><span class="Tombstone-label">This account has been suspended.</span></div></div>
	</body></html>`
	client := scrapeTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	})

	pg := client.Scrape(testLogger(), ScrapeOptions{Handle: "someone", PageDelay: time.Millisecond})

	batch, err := pg.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, batch, "a page with a suspension tombstone must be discarded whole")
	assert.Equal(t, OutcomeAborted, pg.Outcome())
}

func TestScrapeShortPageRefetchesOnce(t *testing.T) {
	var calls int
	client := scrapeTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, streamFragments(descending(500, 5)...))
	})

	pg := client.Scrape(testLogger(), ScrapeOptions{Handle: "someone", PageDelay: time.Millisecond})

	batch, err := pg.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Len(t, batch.Fragments, 5, "the refetched short page is accepted as-is")
	assert.Equal(t, 2, calls)
}

func TestScrapeTerminationIsSticky(t *testing.T) {
	client := scrapeTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, streamFragments())
	})

	pg := client.Scrape(testLogger(), ScrapeOptions{Handle: "someone", PageDelay: time.Millisecond})

	batch, err := pg.Next(context.Background())
	require.NoError(t, err)
	require.Nil(t, batch)

	batch, err = pg.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.Equal(t, OutcomeEnd, pg.Outcome())
}

func TestScrapeOutcomeString(t *testing.T) {
	assert.Equal(t, "running", OutcomeNone.String())
	assert.Equal(t, "end", OutcomeEnd.String())
	assert.Equal(t, "limit_reached", OutcomeLimitReached.String())
	assert.Equal(t, "aborted", OutcomeAborted.String())
}

package tweetvault

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

// The search feed serves a fixed page size; anything else nonzero is an
// anomaly worth one refetch.
const postsPerPage = 20

// ScrapeOutcome is the terminal state of a pagination sequence.
type ScrapeOutcome int

const (
	// OutcomeNone means the sequence has not terminated yet.
	OutcomeNone ScrapeOutcome = iota
	// OutcomeEnd is the natural end of results: a page with zero posts.
	OutcomeEnd
	// OutcomeLimitReached means the caller's page limit was hit.
	OutcomeLimitReached
	// OutcomeAborted means a suspension tombstone was seen. The
	// in-progress batch is discarded so placeholder content from
	// suspended accounts never reaches storage; the range may be worth
	// retrying later, unlike a clean end.
	OutcomeAborted
)

func (o ScrapeOutcome) String() string {
	switch o {
	case OutcomeNone:
		return "running"
	case OutcomeEnd:
		return "end"
	case OutcomeLimitReached:
		return "limit_reached"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ScrapeOptions bound one pagination sequence. MinID and MaxID are ids
// of existing posts and are excluded from results; zero means unbounded.
type ScrapeOptions struct {
	Handle    string
	MinID     int64
	MaxID     int64
	PageLimit int
	PageDelay time.Duration
}

// PageBatch is one page's worth of post fragments.
type PageBatch struct {
	Number    int
	Fragments []*goquery.Selection
}

// Pager walks an account's search feed page by page, using the oldest id
// seen as the next page's upper bound. It is a lazy pull iterator:
//
//	for {
//		batch, err := pager.Next(ctx)
//		if err != nil || batch == nil {
//			break
//		}
//		...
//	}
//	switch pager.Outcome() { ... }
type Pager struct {
	client  *Client
	logger  *slog.Logger
	opts    ScrapeOptions
	limiter *rate.Limiter

	minID      int64
	maxID      int64
	pageNumber int

	outcome ScrapeOutcome
	err     error
}

// Scrape starts a pagination sequence over the account's feed. Between
// consecutive page fetches the wall-clock gap is at least PageDelay.
func (c *Client) Scrape(logger *slog.Logger, opts ScrapeOptions) *Pager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PageDelay <= 0 {
		opts.PageDelay = 1500 * time.Millisecond
	}

	minID, maxID := opts.MinID, opts.MaxID
	// The caller's bounds are existing posts; exclude them from results.
	if minID != 0 {
		minID++
	}
	if maxID != 0 {
		maxID--
	}

	return &Pager{
		client:     c,
		logger:     logger.With("component", "pager", "handle", opts.Handle),
		opts:       opts,
		limiter:    rate.NewLimiter(rate.Every(opts.PageDelay), 1),
		minID:      minID,
		maxID:      maxID,
		pageNumber: 1,
	}
}

// Next fetches and returns the next batch. It returns (nil, nil) when
// the sequence has terminated; Outcome distinguishes a clean end from a
// page limit or a suspension abort.
func (pg *Pager) Next(ctx context.Context) (*PageBatch, error) {
	if pg.outcome != OutcomeNone || pg.err != nil {
		return nil, pg.err
	}

	if pg.opts.PageLimit > 0 && pg.pageNumber > pg.opts.PageLimit {
		pg.logger.Info("page limit reached", "pages", pg.opts.PageLimit)
		pg.outcome = OutcomeLimitReached
		return nil, nil
	}

	fragments, err := pg.fetchPage(ctx)
	if err != nil {
		pg.err = err
		return nil, err
	}

	var lastID int64
	for _, frag := range fragments {
		if suspended(frag) {
			pg.logger.Warn("suspension tombstone detected, aborting scrape", "page", pg.pageNumber)
			pg.outcome = OutcomeAborted
			return nil, nil
		}
		id, err := fragmentAttrInt(frag, "data-tweet-id")
		if err != nil {
			pg.err = err
			return nil, err
		}
		lastID = id
	}

	if len(fragments) == 0 {
		pg.logger.Info("end of results", "pages", pg.pageNumber-1)
		pg.outcome = OutcomeEnd
		return nil, nil
	}

	batch := &PageBatch{Number: pg.pageNumber, Fragments: fragments}
	pg.pageNumber++
	// Each following page requests strictly older content.
	pg.maxID = lastID - 1

	return batch, nil
}

// Err returns the error that terminated the sequence, if any.
func (pg *Pager) Err() error { return pg.err }

// Outcome returns the sequence's terminal state, OutcomeNone while it is
// still running.
func (pg *Pager) Outcome() ScrapeOutcome { return pg.outcome }

// fetchPage downloads one search result page, refetching once if the
// page carries a nonzero but non-standard number of posts.
func (pg *Pager) fetchPage(ctx context.Context) ([]*goquery.Selection, error) {
	queryURL := pg.queryURL()

	var fragments []*goquery.Selection
	for attempt := 0; ; attempt++ {
		if err := pg.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		pg.logger.Info("scraping page", "page", pg.pageNumber, "url", queryURL)

		body, err := pg.client.Fetch(ctx, FetchRequest{URL: queryURL})
		if err != nil {
			return nil, err
		}
		pagesFetched.Inc()

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
		if err != nil {
			return nil, parseErrf(0, "results page is not parseable html: %v", err)
		}

		fragments = fragments[:0]
		doc.Find(selFragment).Each(func(_ int, s *goquery.Selection) {
			fragments = append(fragments, s)
		})

		if n := len(fragments); n != 0 && n != postsPerPage && attempt == 0 {
			pg.logger.Warn("non-standard page size, refetching once", "page", pg.pageNumber, "posts", n, "expected", postsPerPage)
			pageRefetches.Inc()
			continue
		}

		return fragments, nil
	}
}

func (pg *Pager) queryURL() string {
	q := "from:" + pg.opts.Handle
	if pg.minID != 0 {
		q += " since_id:" + strconv.FormatInt(pg.minID, 10)
	}
	if pg.maxID != 0 {
		q += " max_id:" + strconv.FormatInt(pg.maxID, 10)
	}

	params := url.Values{
		"f":        {"tweets"},
		"vertical": {"default"},
		"q":        {q},
	}

	return pg.client.BaseURL() + "/search?" + params.Encode()
}

// suspended reports whether a fragment is a suspended-account
// placeholder rather than content.
func suspended(frag *goquery.Selection) bool {
	label := frag.Find(".Tombstone-label").Text()
	return strings.Contains(strings.ToLower(label), "account has been suspended")
}

package tweetvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/quailyard/tweetvault/models"
	"github.com/quailyard/tweetvault/store"
)

// Archiver is the incremental sync driver: it computes which id ranges
// are missing from storage and runs pagination, parsing and the media
// sync over them. All I/O is sequential and blocking; the target site
// penalizes bursts, so politeness is a design constraint here, not a
// performance shortcut.
type Archiver struct {
	logger     *slog.Logger
	client     *Client
	parser     *Parser
	store      *store.Store
	downloader *Downloader

	handle    string
	pageLimit int
	pageDelay time.Duration

	skipPosts  bool
	skipImages bool
	skipVideos bool
	skipMedia  bool
	noUpdate   bool
}

type ArchiverArgs struct {
	Logger    *slog.Logger
	Client    *Client
	Store     *store.Store
	MediaRoot string

	Handle    string
	PageLimit int
	PageDelay time.Duration

	SkipPosts  bool
	SkipImages bool
	SkipVideos bool
	SkipMedia  bool
	NoUpdate   bool
}

func New(args *ArchiverArgs) (*Archiver, error) {
	if args.Handle == "" {
		return nil, errors.New("account handle is required")
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	downloader, err := NewDownloader(&DownloaderArgs{
		Client: args.Client,
		Store:  args.Store,
		Logger: args.Logger,
		Root:   args.MediaRoot,
	})
	if err != nil {
		return nil, err
	}

	return &Archiver{
		logger:     args.Logger.With("handle", args.Handle),
		client:     args.Client,
		parser:     NewParser(&ParserArgs{Client: args.Client, Logger: args.Logger}),
		store:      args.Store,
		downloader: downloader,
		handle:     args.Handle,
		pageLimit:  args.PageLimit,
		pageDelay:  args.PageDelay,
		skipPosts:  args.SkipPosts,
		skipImages: args.SkipImages,
		skipVideos: args.SkipVideos,
		skipMedia:  args.SkipMedia,
		noUpdate:   args.NoUpdate,
	}, nil
}

// Run performs one full sync: missing post ranges first, then the media
// backlog. Progress commits per page and per attachment, so an aborted
// run leaves a consistent archive that the next run extends.
func (a *Archiver) Run(ctx context.Context) error {
	if err := a.client.BootstrapGuestToken(ctx); err != nil {
		return err
	}

	if !a.skipPosts {
		if err := a.syncPosts(ctx); err != nil {
			return err
		}
	}

	if !a.skipMedia {
		if err := a.syncMedia(ctx); err != nil {
			return err
		}
	}

	return nil
}

// missingRanges computes the scrape bounds left uncovered by the
// archive: everything on a fresh database, otherwise the stretch older
// than the oldest archived post plus the stretch newer than the newest.
func (a *Archiver) missingRanges() ([]ScrapeOptions, error) {
	newest, err := a.store.NewestPostID()
	if err != nil {
		return nil, fmt.Errorf("querying newest archived id: %w", err)
	}
	oldest, err := a.store.OldestPostID()
	if err != nil {
		return nil, fmt.Errorf("querying oldest archived id: %w", err)
	}

	base := ScrapeOptions{
		Handle:    a.handle,
		PageLimit: a.pageLimit,
		PageDelay: a.pageDelay,
	}

	if newest == 0 {
		return []ScrapeOptions{base}, nil
	}

	older := base
	older.MaxID = oldest
	ranges := []ScrapeOptions{older}

	if !a.noUpdate {
		newer := base
		newer.MinID = newest
		ranges = append(ranges, newer)
	}

	return ranges, nil
}

func (a *Archiver) syncPosts(ctx context.Context) error {
	ranges, err := a.missingRanges()
	if err != nil {
		return err
	}

	accountID := int64(0)
	for _, opts := range ranges {
		a.logger.Info("scraping range", "min_id", opts.MinID, "max_id", opts.MaxID)

		pager := a.client.Scrape(a.logger, opts)
		for {
			batch, err := pager.Next(ctx)
			if err != nil {
				return err
			}
			if batch == nil {
				break
			}

			id, err := a.savePage(ctx, batch)
			if err != nil {
				return err
			}
			if accountID == 0 {
				accountID = id
			}
		}

		if pager.Outcome() == OutcomeAborted {
			// Placeholder content from a suspended account; archiving
			// more ranges is pointless, but the media backlog of already
			// committed posts is still worth syncing.
			a.logger.Warn("account is suspended, post sync stopped")
			break
		}
	}

	if accountID != 0 {
		if err := a.store.UpsertAccount(&models.Account{AccountID: accountID, Handle: a.handle}); err != nil {
			return fmt.Errorf("recording account: %w", err)
		}
	}

	return nil
}

// savePage parses one batch and commits it. Returns the account id seen
// on the page, for the account record.
func (a *Archiver) savePage(ctx context.Context, batch *PageBatch) (int64, error) {
	now := time.Now().Unix()

	var (
		posts       []*models.Post
		attachments []*models.Attachment
		raw         []models.PostHTML
		accountID   int64
	)
	for _, frag := range batch.Fragments {
		post, media, err := a.parser.Parse(ctx, frag)
		if err != nil {
			return 0, err
		}

		posts = append(posts, post)
		attachments = append(attachments, media...)
		accountID = post.AccountID

		if h, err := goquery.OuterHtml(frag); err == nil {
			raw = append(raw, models.PostHTML{TweetID: post.TweetID, HTML: strings.TrimSpace(h), ScrapedOn: now})
		}
	}

	if err := a.store.SavePage(posts, attachments, raw); err != nil {
		return 0, fmt.Errorf("committing page %d: %w", batch.Number, err)
	}

	a.logger.Info("page archived", "page", batch.Number, "posts", len(posts), "attachments", len(attachments))

	return accountID, nil
}

func (a *Archiver) syncMedia(ctx context.Context) error {
	missing, err := a.store.MissingMedia()
	if err != nil {
		return fmt.Errorf("querying media backlog: %w", err)
	}

	var wanted []*models.Attachment
	for _, att := range missing {
		if a.skipImages && strings.HasPrefix(att.Type, "image:") {
			continue
		}
		if a.skipVideos && (att.Type == models.AttachmentClip || att.Type == models.AttachmentVideo) {
			continue
		}
		wanted = append(wanted, att)
	}

	if len(wanted) == 0 {
		a.logger.Info("no media to fetch")
		return nil
	}

	a.logger.Info("syncing media", "missing", len(wanted))

	count, err := a.downloader.SyncMissing(ctx, wanted)
	a.logger.Info("media sync finished", "downloaded", count)

	return err
}

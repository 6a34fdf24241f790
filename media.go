package tweetvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/quailyard/tweetvault/models"
)

// Quality variants tried per attachment, best first. A 404 falls through
// to the next variant; media hosts that never served variants fall all
// the way to the bare URL.
var qualitySuffixes = []string{":orig", ":large", ""}

// Subdirectories of the media root, partitioned by attachment kind, plus
// a scratch area for in-flight downloads. A file is never promoted out
// of scratch until its download completed and its hash is known.
const (
	imageDir   = "images"
	clipDir    = "animated"
	videoDir   = "video"
	scratchDir = "tmp"
)

// attachmentStore is the slice of persistence the downloader needs:
// content-hash lookup for dedup and the one-shot commit of a fetched
// file's metadata.
type attachmentStore interface {
	AttachmentByHash(hash string) (*models.Attachment, error)
	UpdateAttachmentFile(att *models.Attachment) error
}

// Downloader fetches attachment files into content-addressed storage,
// sharing bytes on disk between attachments whose content hashes match.
type Downloader struct {
	client *Client
	store  attachmentStore
	logger *slog.Logger
	root   string
}

type DownloaderArgs struct {
	Client *Client
	Store  attachmentStore
	Logger *slog.Logger
	Root   string
}

func NewDownloader(args *DownloaderArgs) (*Downloader, error) {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	for _, dir := range []string{imageDir, clipDir, videoDir, scratchDir} {
		if err := os.MkdirAll(filepath.Join(args.Root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating media directory: %w", err)
		}
	}

	return &Downloader{
		client: args.Client,
		store:  args.Store,
		logger: args.Logger.With("component", "media"),
		root:   args.Root,
	}, nil
}

// SyncMissing downloads every attachment that has no local copy yet.
// Metadata commits per item, so an interrupted run resumes by
// re-targeting only the attachments still missing a path. Any failure
// other than a per-variant 404 aborts the whole sync.
func (d *Downloader) SyncMissing(ctx context.Context, attachments []*models.Attachment) (int, error) {
	count := 0
	for _, att := range attachments {
		if att.Downloaded() {
			continue
		}

		if att.Type == models.AttachmentVideo {
			// No defined extraction path for full videos; leave the
			// attachment untouched so a future run can pick it up.
			d.logger.Warn("full video download is not implemented, skipping", "tweet_id", att.TweetID, "url", att.URL)
			mediaDownloads.WithLabelValues("skipped").Inc()
			continue
		}

		if err := d.fetchOne(ctx, att); err != nil {
			mediaDownloads.WithLabelValues("error").Inc()
			return count, err
		}

		if err := d.store.UpdateAttachmentFile(att); err != nil {
			return count, fmt.Errorf("committing attachment %s: %w", att.URL, err)
		}

		mediaDownloads.WithLabelValues("ok").Inc()
		count++
	}

	return count, nil
}

func (d *Downloader) fetchOne(ctx context.Context, att *models.Attachment) error {
	hash, size, scratch, err := d.download(ctx, att)
	if err != nil {
		return err
	}

	existing, err := d.store.AttachmentByHash(hash)
	if err != nil {
		os.Remove(scratch)
		return fmt.Errorf("hash lookup for %s: %w", att.URL, err)
	}

	if existing != nil {
		os.Remove(scratch)
		if existing.Size != size {
			return integrityErrf(att.TweetID, "hash %s already stored with size %d, new download is %d bytes", hash, existing.Size, size)
		}
		d.logger.Debug("duplicate content, sharing stored file", "url", att.URL, "hash", hash, "path", existing.Path)
		att.Hash = hash
		att.Size = size
		att.Path = existing.Path
		return nil
	}

	relPath := filepath.Join(kindDir(att.Type), attachmentFilename(att.URL))
	if err := os.Rename(scratch, filepath.Join(d.root, relPath)); err != nil {
		os.Remove(scratch)
		return fmt.Errorf("promoting %s into storage: %w", att.URL, err)
	}

	d.logger.Debug("attachment stored", "url", att.URL, "hash", hash, "size", size, "path", relPath)

	att.Hash = hash
	att.Size = size
	att.Path = relPath

	return nil
}

// download tries the quality variants in order, streaming the winner to
// a scratch file. It returns the content hash, byte count and scratch
// path; only a 404 moves on to the next variant.
func (d *Downloader) download(ctx context.Context, att *models.Attachment) (string, int64, string, error) {
	for _, suffix := range qualitySuffixes {
		tmp, err := os.CreateTemp(filepath.Join(d.root, scratchDir), "fetch-*")
		if err != nil {
			return "", 0, "", fmt.Errorf("creating scratch file: %w", err)
		}

		hash, size, err := d.client.FetchToSink(ctx, FetchRequest{URL: att.URL + suffix}, tmp)
		tmp.Close()
		if err != nil {
			os.Remove(tmp.Name())

			var terr *TransportError
			if errors.As(err, &terr) && terr.Status == 404 {
				d.logger.Debug("quality variant not found", "url", att.URL+suffix)
				continue
			}
			return "", 0, "", err
		}

		return hash, size, tmp.Name(), nil
	}

	return "", 0, "", &TransportError{URL: att.URL, Status: 404}
}

func kindDir(attachmentType string) string {
	switch {
	case strings.HasPrefix(attachmentType, "image:"):
		return imageDir
	case attachmentType == models.AttachmentClip:
		return clipDir
	default:
		return videoDir
	}
}

func attachmentFilename(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return path.Base(u.Path)
	}
	return path.Base(rawURL)
}

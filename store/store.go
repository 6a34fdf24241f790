// Package store persists the archive: posts, attachments, account
// details and the raw fragments they were parsed from, in one sqlite
// file per account.
package store

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/quailyard/tweetvault/models"
)

type Store struct {
	db *sql.DB
}

// New opens (and if needed creates) the archive database at dbPath.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS account_archive (
		tweet_id INTEGER PRIMARY KEY NOT NULL,
		thread_id INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		replying_to INTEGER,
		qrt_id INTEGER,
		poll_data TEXT,
		has_video BOOLEAN NOT NULL,
		image_count INTEGER NOT NULL,
		replies INTEGER NOT NULL,
		retweets INTEGER NOT NULL,
		favorites INTEGER NOT NULL,
		embedded_link TEXT,
		text TEXT,
		point_of_interest TEXT,
		withheld_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS account_attachments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tweet_id INTEGER NOT NULL REFERENCES account_archive(tweet_id),
		url TEXT NOT NULL,
		position INTEGER NOT NULL,
		sensitive BOOLEAN NOT NULL,
		type TEXT,
		size INTEGER,
		hash TEXT,
		path TEXT,
		UNIQUE(tweet_id, url, position)
	);

	CREATE TABLE IF NOT EXISTS account_details (
		account_id INTEGER PRIMARY KEY,
		join_date INTEGER,
		name TEXT,
		handle TEXT,
		link TEXT,
		description TEXT,
		avatar TEXT,
		location TEXT,
		previous_names TEXT,
		previous_handles TEXT,
		previous_links TEXT,
		previous_descriptions TEXT,
		previous_avatars TEXT,
		previous_locations TEXT
	);

	CREATE TABLE IF NOT EXISTS account_html (
		tweet_id INTEGER PRIMARY KEY NOT NULL,
		html TEXT NOT NULL,
		scraped_on INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attachments_hash ON account_attachments(hash);
	CREATE INDEX IF NOT EXISTS idx_attachments_tweet ON account_attachments(tweet_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SavePage commits one page's worth of parsed posts, their attachment
// descriptors and the raw fragments in a single transaction, so a
// failure rolls back at most one page.
func (s *Store) SavePage(posts []*models.Post, attachments []*models.Attachment, raw []models.PostHTML) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range posts {
		var pollJSON any
		if p.Poll != nil {
			b, err := json.Marshal(p.Poll)
			if err != nil {
				return fmt.Errorf("encoding poll for tweet %d: %w", p.TweetID, err)
			}
			pollJSON = string(b)
		}

		_, err := tx.Exec(`
			INSERT INTO account_archive (tweet_id, thread_id, timestamp, account_id,
				replying_to, qrt_id, poll_data, has_video, image_count,
				replies, retweets, favorites, embedded_link, text,
				point_of_interest, withheld_reason)
			VALUES (?, ?, ?, ?, NULLIF(?, 0), NULLIF(?, 0), ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''))
			ON CONFLICT(tweet_id) DO UPDATE SET
				replies = excluded.replies,
				retweets = excluded.retweets,
				favorites = excluded.favorites
		`, p.TweetID, p.ThreadID, p.Timestamp, p.AccountID,
			p.ReplyingTo, p.QuoteID, pollJSON, p.HasVideo, p.ImageCount,
			p.Replies, p.Retweets, p.Favorites, p.EmbeddedLink, p.Text,
			p.PointOfInterest, p.WithheldReason)
		if err != nil {
			return fmt.Errorf("saving tweet %d: %w", p.TweetID, err)
		}
	}

	for _, a := range attachments {
		_, err := tx.Exec(`
			INSERT INTO account_attachments (tweet_id, url, position, sensitive, type, size, hash, path)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, 0), NULLIF(?, ''), NULLIF(?, ''))
			ON CONFLICT(tweet_id, url, position) DO NOTHING
		`, a.TweetID, a.URL, a.Position, a.Sensitive, a.Type, a.Size, a.Hash, a.Path)
		if err != nil {
			return fmt.Errorf("saving attachment %s of tweet %d: %w", a.URL, a.TweetID, err)
		}
	}

	for _, h := range raw {
		_, err := tx.Exec(`
			INSERT INTO account_html (tweet_id, html, scraped_on)
			VALUES (?, ?, ?)
			ON CONFLICT(tweet_id) DO NOTHING
		`, h.TweetID, h.HTML, h.ScrapedOn)
		if err != nil {
			return fmt.Errorf("saving html of tweet %d: %w", h.TweetID, err)
		}
	}

	return tx.Commit()
}

// NewestPostID returns the highest archived post id, zero when the
// archive is empty.
func (s *Store) NewestPostID() (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(tweet_id), 0) FROM account_archive`).Scan(&id)
	return id, err
}

// OldestPostID returns the lowest archived post id, zero when the
// archive is empty.
func (s *Store) OldestPostID() (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT COALESCE(MIN(tweet_id), 0) FROM account_archive`).Scan(&id)
	return id, err
}

// MissingMedia returns all attachments whose file has not been fetched
// yet, in archive order.
func (s *Store) MissingMedia() ([]*models.Attachment, error) {
	rows, err := s.db.Query(`
		SELECT tweet_id, url, position, sensitive, COALESCE(type, ''),
			COALESCE(size, 0), COALESCE(hash, ''), COALESCE(path, '')
		FROM account_attachments
		WHERE path IS NULL
		ORDER BY tweet_id, position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAttachments(rows)
}

// AttachmentByHash returns one attachment already carrying the given
// content hash, or nil when the hash is unknown.
func (s *Store) AttachmentByHash(hash string) (*models.Attachment, error) {
	row := s.db.QueryRow(`
		SELECT tweet_id, url, position, sensitive, COALESCE(type, ''),
			COALESCE(size, 0), COALESCE(hash, ''), COALESCE(path, '')
		FROM account_attachments
		WHERE hash = ?
		LIMIT 1
	`, hash)

	a := &models.Attachment{}
	err := row.Scan(&a.TweetID, &a.URL, &a.Position, &a.Sensitive, &a.Type, &a.Size, &a.Hash, &a.Path)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAttachmentFile commits a fetched file's size, hash and storage
// path onto its attachment row.
func (s *Store) UpdateAttachmentFile(a *models.Attachment) error {
	res, err := s.db.Exec(`
		UPDATE account_attachments
		SET size = ?, hash = ?, path = ?
		WHERE tweet_id = ? AND url = ? AND position = ?
	`, a.Size, a.Hash, a.Path, a.TweetID, a.URL, a.Position)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("attachment %s of tweet %d not found", a.URL, a.TweetID)
	}
	return nil
}

// UpsertAccount records the scraped account's details.
func (s *Store) UpsertAccount(a *models.Account) error {
	_, err := s.db.Exec(`
		INSERT INTO account_details (account_id, join_date, name, handle, link,
			description, avatar, location, previous_names, previous_handles,
			previous_links, previous_descriptions, previous_avatars, previous_locations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			name = excluded.name,
			handle = excluded.handle,
			link = excluded.link,
			description = excluded.description,
			avatar = excluded.avatar,
			location = excluded.location
	`, a.AccountID, a.JoinDate, a.Name, a.Handle, a.Link,
		a.Description, a.Avatar, a.Location, a.PreviousNames, a.PreviousHandles,
		a.PreviousLinks, a.PreviousDescriptions, a.PreviousAvatars, a.PreviousLocations)
	return err
}

// RawFragments returns the stored raw fragments, oldest first, for
// offline re-parsing.
func (s *Store) RawFragments() ([]models.PostHTML, error) {
	rows, err := s.db.Query(`SELECT tweet_id, html, scraped_on FROM account_html ORDER BY tweet_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PostHTML
	for rows.Next() {
		var h models.PostHTML
		if err := rows.Scan(&h.TweetID, &h.HTML, &h.ScrapedOn); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ExportCSV writes the archived posts as CSV.
func (s *Store) ExportCSV(w io.Writer) error {
	rows, err := s.db.Query(`
		SELECT tweet_id, thread_id, timestamp, account_id,
			COALESCE(replying_to, 0), COALESCE(qrt_id, 0),
			has_video, image_count, replies, retweets, favorites,
			COALESCE(embedded_link, ''), COALESCE(text, ''),
			COALESCE(point_of_interest, ''), COALESCE(withheld_reason, '')
		FROM account_archive ORDER BY tweet_id
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"tweet_id", "thread_id", "timestamp", "account_id", "replying_to",
		"qrt_id", "has_video", "image_count", "replies", "retweets",
		"favorites", "embedded_link", "text", "point_of_interest", "withheld_reason",
	}); err != nil {
		return err
	}

	for rows.Next() {
		var tweetID, threadID, timestamp, accountID, replyingTo, qrtID int64
		var hasVideo bool
		var imageCount, replies, retweets, favorites int
		var link, text, poi, withheld string

		if err := rows.Scan(&tweetID, &threadID, &timestamp, &accountID, &replyingTo, &qrtID,
			&hasVideo, &imageCount, &replies, &retweets, &favorites,
			&link, &text, &poi, &withheld); err != nil {
			return err
		}

		rec := []string{
			strconv.FormatInt(tweetID, 10),
			strconv.FormatInt(threadID, 10),
			strconv.FormatInt(timestamp, 10),
			strconv.FormatInt(accountID, 10),
			strconv.FormatInt(replyingTo, 10),
			strconv.FormatInt(qrtID, 10),
			strconv.FormatBool(hasVideo),
			strconv.Itoa(imageCount),
			strconv.Itoa(replies),
			strconv.Itoa(retweets),
			strconv.Itoa(favorites),
			link, text, poi, withheld,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}

func scanAttachments(rows *sql.Rows) ([]*models.Attachment, error) {
	var out []*models.Attachment
	for rows.Next() {
		a := &models.Attachment{}
		if err := rows.Scan(&a.TweetID, &a.URL, &a.Position, &a.Sensitive, &a.Type, &a.Size, &a.Hash, &a.Path); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

package models

// Post is one archived unit of user-generated content. IDs are the
// platform's snowflake-style identifiers, monotonically related to
// creation order within an account.
type Post struct {
	TweetID   int64
	ThreadID  int64
	Timestamp int64
	AccountID int64

	ReplyingTo int64
	QuoteID    int64

	Poll *Poll

	HasVideo   bool
	ImageCount int
	Replies    int
	Retweets   int
	Favorites  int

	EmbeddedLink string
	// Text is nil when the post carries no text at all, which is distinct
	// from an empty string produced by a broken parse.
	Text *string

	// PointOfInterest is "{label}:{place_id}" when the post carries a
	// geo tag, empty otherwise.
	PointOfInterest string

	// WithheldReason is set only for legally suppressed posts ("dmca" or
	// "unknown"). A withheld post has everything except identifiers and
	// Text zeroed; the original content is unrecoverable.
	WithheldReason string
}

// Withheld reports whether the post's content was legally suppressed.
func (p *Post) Withheld() bool {
	return p.WithheldReason != ""
}

// Attachment kinds. Image attachments use "image:<ext>" instead.
const (
	AttachmentClip  = "clip"  // short looped video served as a file
	AttachmentVideo = "video" // full video, direct download unimplemented
)

// Attachment is one media item belonging to a post. Hash, Size and Path
// stay zero until the media deduplicator fetches the file; attachments
// whose bytes hash identically share Size and Path but keep their own
// URL and position.
type Attachment struct {
	TweetID   int64
	URL       string
	Position  int // 1-based display order within the post
	Sensitive bool
	Type      string

	Size int64
	Hash string
	Path string // relative to the per-account media root
}

// Downloaded reports whether the attachment's file has been fetched and
// committed to storage.
func (a *Attachment) Downloaded() bool {
	return a.Path != ""
}

// Poll is the embedded poll payload of a post.
type Poll struct {
	IsOpen       bool         `json:"is_open"`
	ChoiceCount  int          `json:"choice_count"`
	EndTime      int64        `json:"end_time"`
	WinningIndex int          `json:"winning_index"`
	VotesTotal   int          `json:"votes_total"`
	Choices      []PollChoice `json:"choices"`
}

// PollChoice is one option of a poll. VotesPercent is the display string
// exactly as rendered ("62%"), kept verbatim because the platform rounds
// it independently of the counts.
type PollChoice struct {
	Votes        int    `json:"votes"`
	VotesPercent string `json:"votes_percent"`
	Label        string `json:"label"`
}

// Account is the archive's record of the scraped account. The previous_*
// fields record historical values; nothing in the scrape pipeline
// populates them, they exist for the storage contract.
type Account struct {
	AccountID int64
	JoinDate  int64

	Name        string
	Handle      string
	Link        string
	Description string
	Avatar      string
	Location    string

	PreviousNames        string
	PreviousHandles      string
	PreviousLinks        string
	PreviousDescriptions string
	PreviousAvatars      string
	PreviousLocations    string
}

// PostHTML retains the raw fragment a post was parsed from, so the
// parser can be re-run offline against drifted markup.
type PostHTML struct {
	TweetID   int64
	HTML      string
	ScrapedOn int64
}

package tweetvault

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/quailyard/tweetvault/models"
)

// Structural markers addressing a post fragment. These act as a minimal
// schema over the rendered markup; a missing or reshaped marker is a
// fatal parse failure by design, because silent misparse is worse than a
// loud stop.
const (
	selFragment       = ".js-stream-tweet"
	selTimestamp      = ".js-short-timestamp"
	selReplyCount     = ".ProfileTweet-action--reply .ProfileTweet-actionCount"
	selRetweetCount   = ".ProfileTweet-action--retweet .ProfileTweet-actionCount"
	selFavoriteCount  = ".ProfileTweet-action--favorite .ProfileTweet-actionCount"
	selQuote          = ".QuoteTweet-innerContainer"
	selCard           = ".card2.js-media-container"
	selImages         = ".AdaptiveMedia-photoContainer img"
	selVideo          = ".is-video"
	selPlayer         = ".PlayableMedia-player"
	selAnimatedClip   = ".PlayableMedia--gif"
	selMediaTombstone = ".AdaptiveMediaOuterContainer .Tombstone-label"
	selTombstoneLabel = ".Tombstone .Tombstone-label"
	selTextContainer  = ".js-tweet-text"
)

const sensitiveNotice = "media may contain sensitive material"

// Parser turns one rendered post fragment into a Post record plus its
// attachment descriptors. Card and poll content lives in iframes, so the
// parser issues follow-up fetches through the shared client.
type Parser struct {
	client *Client
	logger *slog.Logger
}

type ParserArgs struct {
	Client *Client
	Logger *slog.Logger
}

func NewParser(args *ParserArgs) *Parser {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	return &Parser{
		client: args.Client,
		logger: args.Logger.With("component", "parser"),
	}
}

// postBuilder accumulates derived fields across the extraction steps
// before producing the final record. The step order is a hard
// dependency: link resolution must know whether a quote or a poll exists
// before deciding fallback-link policy.
type postBuilder struct {
	p    *Parser
	sel  *goquery.Selection
	post models.Post

	sawTimelineLink bool
}

// Parse converts a single .js-stream-tweet fragment into a Post and its
// attachments. Unrecognized markup fails with *ParseError, violated
// media invariants with *IntegrityError; neither is recoverable.
func (p *Parser) Parse(ctx context.Context, sel *goquery.Selection) (*models.Post, []*models.Attachment, error) {
	b := &postBuilder{p: p, sel: sel}

	if err := b.scalars(); err != nil {
		postsParsed.WithLabelValues("error").Inc()
		return nil, nil, err
	}

	if b.withheld() {
		// The rest of the markup is a placeholder, not content.
		postsParsed.WithLabelValues("withheld").Inc()
		post := b.post
		return &post, nil, nil
	}

	b.quote()

	card := sel.Find(selCard).First()
	cardName := ""
	if card.Length() > 0 {
		cardName = card.AttrOr("data-card2-name", "")
	}

	if strings.HasPrefix(cardName, "poll") {
		poll, err := p.extractPoll(ctx, b.post.TweetID, card)
		if err != nil {
			postsParsed.WithLabelValues("error").Inc()
			return nil, nil, err
		}
		b.post.Poll = poll
	}

	if err := b.media(); err != nil {
		postsParsed.WithLabelValues("error").Inc()
		return nil, nil, err
	}

	// A poll card is not also a link card, and ad / conversation-starter /
	// DM-shortcut cards are not followable content links.
	if card.Length() > 0 && b.post.Poll == nil && !skipCard(cardName) {
		link, err := p.resolveCardLink(ctx, b.post.TweetID, card, cardName)
		if err != nil {
			postsParsed.WithLabelValues("error").Inc()
			return nil, nil, err
		}
		b.post.EmbeddedLink = link
	}

	if err := b.text(); err != nil {
		postsParsed.WithLabelValues("error").Inc()
		return nil, nil, err
	}

	attachments, err := b.attachments()
	if err != nil {
		postsParsed.WithLabelValues("error").Inc()
		return nil, nil, err
	}

	postsParsed.WithLabelValues("ok").Inc()
	post := b.post
	return &post, attachments, nil
}

func (b *postBuilder) scalars() error {
	var err error
	if b.post.TweetID, err = fragmentAttrInt(b.sel, "data-tweet-id"); err != nil {
		return err
	}
	if b.post.ThreadID, err = fragmentAttrInt(b.sel, "data-conversation-id"); err != nil {
		return &ParseError{TweetID: b.post.TweetID, Msg: err.Error()}
	}
	if b.post.AccountID, err = fragmentAttrInt(b.sel, "data-user-id"); err != nil {
		return &ParseError{TweetID: b.post.TweetID, Msg: err.Error()}
	}
	// A post opening its own conversation has thread id == its own id;
	// anything else is a reply into that thread.
	if b.post.ThreadID != b.post.TweetID {
		b.post.ReplyingTo = b.post.ThreadID
	}

	ts, err := selectionAttrInt(b.sel.Find(selTimestamp).First(), "data-time")
	if err != nil {
		return parseErrf(b.post.TweetID, "timestamp: %v", err)
	}
	b.post.Timestamp = ts

	for _, c := range []struct {
		sel  string
		dst  *int
		name string
	}{
		{selReplyCount, &b.post.Replies, "replies"},
		{selRetweetCount, &b.post.Retweets, "retweets"},
		{selFavoriteCount, &b.post.Favorites, "favorites"},
	} {
		n, err := selectionAttrInt(b.sel.Find(c.sel).First(), "data-tweet-stat-count")
		if err != nil {
			return parseErrf(b.post.TweetID, "%s count: %v", c.name, err)
		}
		*c.dst = int(n)
	}

	return nil
}

// withheld detects the legal-suppression tombstone. When present the
// fragment carries a notice instead of content: keep identifiers and the
// notice text, zero everything else, and skip all further extraction.
func (b *postBuilder) withheld() bool {
	notice := ""
	b.sel.Find(selTombstoneLabel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		// The sensitive-media tombstone lives inside the media container
		// and is not a withholding marker.
		if s.ParentsFiltered(".AdaptiveMediaOuterContainer").Length() > 0 {
			return true
		}
		text := strings.TrimSpace(s.Text())
		if strings.Contains(strings.ToLower(text), "withheld") {
			notice = text
			return false
		}
		return true
	})
	if notice == "" {
		return false
	}

	reason := "unknown"
	if strings.Contains(strings.ToLower(notice), "report from the copyright holder") {
		reason = "dmca"
	}

	b.post = models.Post{
		TweetID:        b.post.TweetID,
		ThreadID:       b.post.ThreadID,
		Timestamp:      b.post.Timestamp,
		AccountID:      b.post.AccountID,
		Text:           &notice,
		WithheldReason: reason,
	}

	b.p.logger.Debug("post is withheld", "tweet_id", b.post.TweetID, "reason", reason)

	return true
}

func (b *postBuilder) quote() {
	qrt := b.sel.Find(selQuote).First()
	if qrt.Length() == 0 {
		return
	}
	if id, err := selectionAttrInt(qrt, "data-item-id"); err == nil {
		b.post.QuoteID = id
	}
}

func (b *postBuilder) media() error {
	images := b.sel.Find(selImages).Length()
	videos := b.sel.Find(selVideo).Length()

	if images > 4 {
		return integrityErrf(b.post.TweetID, "%d images on one post, at most 4 allowed", images)
	}
	if videos > 1 {
		return integrityErrf(b.post.TweetID, "%d video markers on one post, at most 1 allowed", videos)
	}
	if images > 0 && videos > 0 {
		return integrityErrf(b.post.TweetID, "post carries both %d images and a video, media kinds are mutually exclusive", images)
	}

	b.post.ImageCount = images
	b.post.HasVideo = videos > 0

	return nil
}

// text walks the text container's inline children in document order,
// replacing each recognized element with its textual equivalent. An
// element the classifier does not recognize means the markup changed
// shape, which is fatal.
func (b *postBuilder) text() error {
	container := b.sel.Find(selTextContainer).First()
	if container.Length() == 0 {
		return nil
	}

	var out strings.Builder
	var walkErr error
	container.Contents().EachWithBreak(func(_ int, s *goquery.Selection) bool {
		node := s.Get(0)
		switch node.Type {
		case html.TextNode:
			out.WriteString(node.Data)
			return true
		case html.ElementNode:
			text, err := b.elementText(s, node.Data)
			if err != nil {
				walkErr = err
				return false
			}
			out.WriteString(text)
			return true
		default:
			return true
		}
	})
	if walkErr != nil {
		return walkErr
	}

	text := out.String()
	if text == "" {
		// No text at all, as opposed to a parse that produced "".
		b.post.Text = nil
		return nil
	}
	b.post.Text = &text

	return nil
}

func (b *postBuilder) elementText(s *goquery.Selection, tag string) (string, error) {
	switch tag {
	case "a":
		return b.anchorText(s)
	case "span":
		return b.spanText(s)
	case "img":
		// Emoji glyph: the alt text carries the actual code point.
		return s.AttrOr("alt", ""), nil
	default:
		return "", parseErrf(b.post.TweetID, "unexpected <%s> in text container: %s", tag, renderForError(s))
	}
}

func (b *postBuilder) anchorText(s *goquery.Selection) (string, error) {
	switch {
	case hasClass(s, "twitter-atreply"), hasClass(s, "twitter-hashtag"), hasClass(s, "twitter-cashtag"):
		return s.Text(), nil

	case hasClass(s, "twitter-timeline-link"):
		if expanded, ok := s.Attr("data-expanded-url"); ok {
			if hasClass(s, "u-hidden") {
				b.hiddenLink(expanded)
				return "", nil
			}
			b.sawTimelineLink = true
			return expanded, nil
		}
		if s.AttrOr("data-pre-embedded", "") == "true" {
			// Link to the post's own embedded attachments, not content.
			return "", nil
		}
		return "", parseErrf(b.post.TweetID, "timeline link with neither expanded url nor pre-embedded marker: %s", renderForError(s))

	default:
		return "", parseErrf(b.post.TweetID, "unrecognized anchor: %s", renderForError(s))
	}
}

// hiddenLink handles a timeline link shown only as a card. Normally the
// card resolution already produced the embedded link; when it did not
// (older posts embed some links this way only), the first hidden link of
// a non-quote post becomes the embedded link as a best-effort fallback.
// On disagreement the card link wins; policy, not law.
func (b *postBuilder) hiddenLink(expanded string) {
	first := !b.sawTimelineLink
	b.sawTimelineLink = true

	if b.post.EmbeddedLink != "" {
		if b.post.EmbeddedLink != expanded {
			b.p.logger.Warn("hidden timeline link disagrees with card link, keeping card link",
				"tweet_id", b.post.TweetID,
				"card_link", b.post.EmbeddedLink,
				"hidden_link", expanded)
		}
		return
	}

	if first && b.post.QuoteID == 0 {
		b.p.logger.Debug("no card link, falling back to hidden timeline link",
			"tweet_id", b.post.TweetID, "link", expanded)
		b.post.EmbeddedLink = expanded
	}
}

func (b *postBuilder) spanText(s *goquery.Selection) (string, error) {
	if cp, ok := s.Attr("data-original-codepoint"); ok {
		// Code points the legacy renderer substitutes with placeholder
		// glyphs, e.g. "U+fe0f".
		r, err := decodeCodepoint(cp)
		if err != nil {
			return "", parseErrf(b.post.TweetID, "bad original codepoint %q: %v", cp, err)
		}
		return string(r), nil
	}

	if hasClass(s, "twitter-hashflag-container") {
		// Promotional hashtag decoration; keep only the hashtag itself.
		if a := s.Find("a").First(); a.Length() > 0 {
			return a.Text(), nil
		}
		return "", nil
	}

	if hasClass(s, "tweet-geo-text") {
		label := strings.TrimSpace(s.Text())
		placeID := s.AttrOr("data-place-id", "")
		b.post.PointOfInterest = fmt.Sprintf("%s:%s", label, placeID)
		return "", nil
	}

	return "", parseErrf(b.post.TweetID, "unrecognized span: %s", renderForError(s))
}

// attachments builds descriptors for the fragment's media. Size, hash
// and path stay unset until the deduplicator downloads the files.
func (b *postBuilder) attachments() ([]*models.Attachment, error) {
	sensitive := strings.Contains(strings.ToLower(b.sel.Find(selMediaTombstone).Text()), sensitiveNotice)

	var media []*models.Attachment
	var imgErr error
	b.sel.Find(selImages).EachWithBreak(func(i int, s *goquery.Selection) bool {
		src, ok := s.Attr("src")
		if !ok || src == "" {
			imgErr = parseErrf(b.post.TweetID, "image element without src at position %d", i+1)
			return false
		}
		src = strings.TrimSpace(src)
		ext := src[strings.LastIndex(src, ".")+1:]
		media = append(media, &models.Attachment{
			TweetID:   b.post.TweetID,
			URL:       src,
			Position:  i + 1,
			Sensitive: sensitive,
			Type:      "image:" + ext,
		})
		return true
	})
	if imgErr != nil {
		return nil, imgErr
	}

	if b.post.HasVideo {
		att, err := b.videoAttachment(sensitive)
		if err != nil {
			return nil, err
		}
		media = append(media, att)
	}

	return media, nil
}

var clipThumbRe = regexp.MustCompile(`background-image:\s*url\('([^']+)'\)`)

// videoAttachment distinguishes animated clips, which have a direct file
// URL derivable from the player thumbnail, from full videos, which have
// no defined extraction path and stay reference-only.
func (b *postBuilder) videoAttachment(sensitive bool) (*models.Attachment, error) {
	att := &models.Attachment{
		TweetID:   b.post.TweetID,
		Position:  1,
		Sensitive: sensitive,
	}

	if b.sel.Find(selAnimatedClip).Length() == 0 {
		att.Type = models.AttachmentVideo
		att.URL = fmt.Sprintf("%s/user/status/%d", b.p.client.BaseURL(), b.post.TweetID)
		return att, nil
	}

	style := b.sel.Find(selPlayer).First().AttrOr("style", "")
	m := clipThumbRe.FindStringSubmatch(style)
	if m == nil {
		return nil, parseErrf(b.post.TweetID, "animated clip player carries no thumbnail style: %q", style)
	}

	thumb := m[1]
	stem := thumb[strings.LastIndex(thumb, "/")+1:]
	if i := strings.LastIndex(stem, "."); i >= 0 {
		stem = stem[:i]
	}
	if stem == "" {
		return nil, parseErrf(b.post.TweetID, "cannot derive clip stem from thumbnail %q", thumb)
	}

	att.Type = models.AttachmentClip
	att.URL = "https://video.twimg.com/tweet_video/" + stem + ".mp4"

	return att, nil
}

func skipCard(name string) bool {
	return strings.HasPrefix(name, "promo") || name == "message_me"
}

func hasClass(s *goquery.Selection, name string) bool {
	for _, c := range strings.Fields(s.AttrOr("class", "")) {
		if c == name {
			return true
		}
	}
	return false
}

func decodeCodepoint(cp string) (rune, error) {
	cp = strings.TrimPrefix(strings.TrimSpace(cp), "U+")
	v, err := strconv.ParseUint(cp, 16, 32)
	if err != nil {
		return 0, err
	}
	return rune(v), nil
}

func fragmentAttrInt(sel *goquery.Selection, attr string) (int64, error) {
	raw, ok := sel.Attr(attr)
	if !ok {
		return 0, &ParseError{Msg: fmt.Sprintf("fragment missing %s", attr)}
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, &ParseError{Msg: fmt.Sprintf("bad %s %q", attr, raw)}
	}
	return v, nil
}

func selectionAttrInt(sel *goquery.Selection, attr string) (int64, error) {
	if sel.Length() == 0 {
		return 0, fmt.Errorf("marker not found")
	}
	raw, ok := sel.Attr(attr)
	if !ok {
		return 0, fmt.Errorf("missing %s", attr)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", attr, raw)
	}
	return v, nil
}

func renderForError(s *goquery.Selection) string {
	h, err := goquery.OuterHtml(s)
	if err != nil {
		return "<unrenderable>"
	}
	if len(h) > 200 {
		h = h[:200] + "..."
	}
	return h
}

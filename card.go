package tweetvault

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"

	"github.com/quailyard/tweetvault/models"
)

const (
	selCardFrame       = "div[data-src]"
	selCardLink        = ".TwitterCard .TwitterCard-container"
	selCardSerialized  = `[type="text/twitter-cards-serialization"]`
	selPollContainer   = ".TwitterCard .CardContent .PollXChoice"
	selPollChoices     = ".PollXChoice-choice .PollXChoice-choice--text"
	selPollProgress    = ".PollXChoice-progress"
	selPollChoiceLabel = "span:nth-of-type(2)"
)

// fetchCardFrame downloads a card's inline iframe content. The referer
// header must name the originating post or the fetch is rejected with
// a 403.
func (p *Parser) fetchCardFrame(ctx context.Context, tweetID int64, card *goquery.Selection) (*goquery.Document, error) {
	src := card.Find(selCardFrame).First().AttrOr("data-src", "")
	if src == "" {
		return nil, parseErrf(tweetID, "card container carries no frame source")
	}

	p.logger.Debug("downloading card frame", "tweet_id", tweetID, "src", src)

	body, err := p.client.Fetch(ctx, FetchRequest{
		URL: p.client.BaseURL() + src,
		Headers: map[string]string{
			"Referer": fmt.Sprintf("%s/user/status/%d", p.client.BaseURL(), tweetID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetching card frame for tweet %d: %w", tweetID, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, parseErrf(tweetID, "card frame is not parseable html: %v", err)
	}

	return doc, nil
}

// resolveCardLink extracts a non-poll card's target link and normalizes
// it: https upgrade, one redirect hop through the platform's own
// shortener, and unwrapping of the unsafe-link interstitial.
func (p *Parser) resolveCardLink(ctx context.Context, tweetID int64, card *goquery.Selection, cardName string) (string, error) {
	frame, err := p.fetchCardFrame(ctx, tweetID, card)
	if err != nil {
		return "", err
	}

	link := frame.Find(selCardLink).First().AttrOr("href", "")
	if link == "" {
		if cardName == "player" {
			// Player cards legitimately omit the href.
			p.logger.Debug("player card without embedded link", "tweet_id", tweetID)
			return "", nil
		}
		return "", parseErrf(tweetID, "card %q carries no embedded link", cardName)
	}

	// Shortener links minted before t.co went https-only would otherwise
	// cost an extra redirect.
	if strings.HasPrefix(link, "http://t.co/") {
		link = "https" + link[4:]
	}

	resp, err := p.client.FetchResponse(ctx, FetchRequest{
		URL:        link,
		Method:     http.MethodHead,
		NoRedirect: true,
	})
	if err != nil {
		return "", fmt.Errorf("resolving card link for tweet %d: %w", tweetID, err)
	}
	drain(resp)

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			p.logger.Debug("card link redirects", "tweet_id", tweetID, "from", link, "to", loc)
			link = loc
		}
	}

	link = unwrapUnsafeLink(link)

	p.logger.Debug("card resolved", "tweet_id", tweetID, "card", cardName, "link", link)

	return link, nil
}

// unwrapUnsafeLink reads the real destination out of the platform's
// unsafe-link warning interstitial instead of treating the interstitial
// as the destination.
func unwrapUnsafeLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	if !strings.HasSuffix(u.Path, "/safety/unsafe_link_warning") {
		return link
	}
	if target := u.Query().Get("unsafe_link"); target != "" {
		return target
	}
	return link
}

// extractPoll parses a poll card's iframe: the serialized-state blob
// carries the flags and vote counts, the rendered markup the display
// labels and percentages.
func (p *Parser) extractPoll(ctx context.Context, tweetID int64, card *goquery.Selection) (*models.Poll, error) {
	frame, err := p.fetchCardFrame(ctx, tweetID, card)
	if err != nil {
		return nil, err
	}

	raw := frame.Find(selCardSerialized).First().Text()
	if strings.TrimSpace(raw) == "" {
		return nil, parseErrf(tweetID, "poll frame carries no serialized card state")
	}

	var blob struct {
		Card map[string]any `json:"card"`
	}
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, parseErrf(tweetID, "poll card state is not valid json: %v", err)
	}

	poll := &models.Poll{}

	if poll.IsOpen, err = coerceBool(blob.Card["is_open"]); err != nil {
		return nil, parseErrf(tweetID, "poll is_open: %v", err)
	}
	if poll.ChoiceCount, err = coerceInt(blob.Card["choice_count"]); err != nil {
		return nil, parseErrf(tweetID, "poll choice_count: %v", err)
	}

	endRaw, _ := blob.Card["end_time"].(string)
	end, err := dateparse.ParseAny(endRaw)
	if err != nil {
		return nil, parseErrf(tweetID, "poll end_time %q: %v", endRaw, err)
	}
	poll.EndTime = end.Unix()

	container := frame.Find(selPollContainer).First()
	if container.Length() == 0 {
		return nil, parseErrf(tweetID, "poll frame carries no choice container")
	}
	if majority, ok := container.Attr("data-poll-vote-majority"); ok {
		if poll.WinningIndex, err = strconv.Atoi(strings.TrimSpace(majority)); err != nil {
			return nil, parseErrf(tweetID, "poll winning index %q", majority)
		}
	}

	choices := container.Find(selPollChoices)
	if choices.Length() != poll.ChoiceCount {
		return nil, integrityErrf(tweetID, "poll declares %d choices but renders %d", poll.ChoiceCount, choices.Length())
	}

	for i := 0; i < poll.ChoiceCount; i++ {
		votes, err := coerceInt(blob.Card[fmt.Sprintf("count%d", i+1)])
		if err != nil {
			return nil, parseErrf(tweetID, "poll count%d: %v", i+1, err)
		}

		choice := choices.Eq(i)
		poll.Choices = append(poll.Choices, models.PollChoice{
			Votes:        votes,
			VotesPercent: strings.TrimSpace(choice.Find(selPollProgress).Text()),
			Label:        strings.TrimSpace(choice.Find(selPollChoiceLabel).Text()),
		})
		poll.VotesTotal += votes
	}

	return poll, nil
}

// The serialized card state is loosely typed: booleans and counts appear
// both as native json values and as strings.
func coerceBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(t) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", t)
	default:
		return false, fmt.Errorf("not a boolean: %v", v)
	}
}

func coerceInt(v any) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

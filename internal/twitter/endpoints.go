package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// tweetEnvelope is the slice of a tweet payload the engine itself needs;
// everything else passes through untouched in Record.Data.
type tweetEnvelope struct {
	IDStr     string `json:"id_str"`
	CreatedAt string `json:"created_at"`
	Entities  struct {
		UserMentions []struct {
			IDStr string `json:"id_str"`
		} `json:"user_mentions"`
	} `json:"entities"`
}

func decodeTweets(raw []json.RawMessage) ([]Record, error) {
	recs := make([]Record, 0, len(raw))
	for _, r := range raw {
		var env tweetEnvelope
		if err := json.Unmarshal(r, &env); err != nil {
			return nil, fmt.Errorf("decode result item: %w", err)
		}
		rec := Record{ID: env.IDStr, Data: r}
		if t, err := time.Parse(createdAtLayout, env.CreatedAt); err == nil {
			rec.CreatedAt = t
		}
		for _, m := range env.Entities.UserMentions {
			if m.IDStr != "" {
				rec.MentionIDs = append(rec.MentionIDs, m.IDStr)
			}
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func mergeParams(defaults url.Values, args map[string]string) url.Values {
	out := url.Values{}
	for k, vs := range defaults {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	for k, v := range args {
		out.Set(k, v)
	}
	return out
}

// searchEndpoint queries /search/tweets. Pagination follows the
// search_metadata.next_results query string the API hands back with each
// page.
type searchEndpoint struct{}

func (searchEndpoint) Name() string   { return "free_search" }
func (searchEndpoint) Family() string { return "search" }

func (searchEndpoint) Fetch(ctx context.Context, c *Client, args map[string]string, cursor string) (*Page, error) {
	var rawurl string
	if cursor != "" {
		rawurl = c.URL("/search/tweets") + cursor
		// next_results drops tweet_mode. Put it back so pages past the first
		// keep full-length text.
		if !strings.Contains(rawurl, "tweet_mode=extended") {
			rawurl += "&tweet_mode=extended"
		}
	} else {
		params := mergeParams(url.Values{
			"tweet_mode":       {"extended"},
			"result_type":      {"recent"},
			"count":            {"100"},
			"include_entities": {"true"},
		}, args)
		rawurl = c.URL("/search/tweets") + "?" + params.Encode()
	}

	body, ri, err := c.Do(ctx, rawurl, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Statuses []json.RawMessage `json:"statuses"`
		Metadata struct {
			NextResults string `json:"next_results"`
		} `json:"search_metadata"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	recs, err := decodeTweets(payload.Statuses)
	if err != nil {
		return nil, err
	}
	return &Page{Records: recs, NextCursor: payload.Metadata.NextResults, Rate: ri}, nil
}

// timelineEndpoint queries /statuses/user_timeline. The cursor is the oldest
// id seen so far, fed back as max_id; the set is exhausted when a page comes
// back empty or fails to move past the previous cursor.
type timelineEndpoint struct{}

func (timelineEndpoint) Name() string   { return "user_timeline" }
func (timelineEndpoint) Family() string { return "statuses" }

func (timelineEndpoint) Fetch(ctx context.Context, c *Client, args map[string]string, cursor string) (*Page, error) {
	params := mergeParams(url.Values{
		"tweet_mode":      {"extended"},
		"count":           {"200"},
		"trim_user":       {"false"},
		"exclude_replies": {"false"},
		"include_rts":     {"true"},
	}, args)
	if cursor != "" {
		params.Set("max_id", cursor)
	}
	rawurl := c.URL("/statuses/user_timeline") + "?" + params.Encode()

	body, ri, err := c.Do(ctx, rawurl, nil)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode timeline response: %w", err)
	}
	recs, err := decodeTweets(raw)
	if err != nil {
		return nil, err
	}
	page := &Page{Records: recs, Rate: ri}
	if len(recs) == 0 {
		return page, nil
	}
	next := recs[len(recs)-1].ID
	if cursor != "" && !olderThan(next, cursor) {
		return page, nil
	}
	page.NextCursor = next
	return page, nil
}

// olderThan reports whether id a precedes id b. Ids are snowflakes, so
// numeric order is chronological order.
func olderThan(a, b string) bool {
	x, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return false
	}
	y, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return false
	}
	return x < y
}

// lookupEndpoint queries /users/lookup, hydrating up to 100 user ids per
// call. Single-shot: the endpoint never paginates.
type lookupEndpoint struct{}

func (lookupEndpoint) Name() string   { return "user_lookups" }
func (lookupEndpoint) Family() string { return "users" }

func (lookupEndpoint) Fetch(ctx context.Context, c *Client, args map[string]string, cursor string) (*Page, error) {
	form := url.Values{"include_entities": {"true"}, "tweet_mode": {"extended"}}
	for k, v := range args {
		form.Set(k, v)
	}

	body, ri, err := c.Do(ctx, c.URL("/users/lookup"), form)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}
	recs := make([]Record, 0, len(raw))
	for _, r := range raw {
		var user struct {
			IDStr     string `json:"id_str"`
			CreatedAt string `json:"created_at"`
		}
		if err := json.Unmarshal(r, &user); err != nil {
			return nil, fmt.Errorf("decode user: %w", err)
		}
		rec := Record{ID: user.IDStr, Data: r}
		if t, terr := time.Parse(createdAtLayout, user.CreatedAt); terr == nil {
			rec.CreatedAt = t
		}
		recs = append(recs, rec)
	}
	return &Page{Records: recs, Rate: ri}, nil
}

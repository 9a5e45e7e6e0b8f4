// Package twitter is the remote API surface: a rate-aware HTTP client plus
// the endpoint descriptors tasks can target. Endpoints translate task
// arguments and a pagination cursor into one API call and normalize the
// response into records.
package twitter

import (
	"context"
	"encoding/json"
	"time"
)

// Record is a single normalized result item.
type Record struct {
	// ID is the item's canonical identifier as reported by the API.
	ID string

	// CreatedAt is the item's creation time, zero when the payload carries
	// none.
	CreatedAt time.Time

	// MentionIDs are user ids mentioned by the item, used by the expansion
	// pass.
	MentionIDs []string

	// Data is the raw payload, written to the output sink verbatim.
	Data json.RawMessage
}

// RateInfo is the server-reported call budget attached to a response.
type RateInfo struct {
	Known     bool
	Remaining int
	ResetAt   time.Time
}

// Page is one fetched page of results.
type Page struct {
	Records []Record

	// NextCursor positions the next call. Empty means the result set is
	// exhausted.
	NextCursor string

	Rate RateInfo
}

// Endpoint describes one remote query type.
type Endpoint interface {
	// Name is the endpoint's task-file name, e.g. "user_timeline".
	Name() string

	// Family is the rate-limit family the endpoint draws its budget from.
	Family() string

	// Fetch performs a single call. A non-empty cursor resumes a paginated
	// result set where the previous call left off.
	Fetch(ctx context.Context, c *Client, args map[string]string, cursor string) (*Page, error)
}

// Package expand enriches result records by replacing bare user mentions with
// full user objects.
//
// Lookups are the expensive part: the expander keeps hydrated users in memory
// for a freshness window and records lookup times durably, so neither a busy
// crawl nor a restart burns the users/lookup budget on ids it resolved
// moments ago.
package expand

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"twicorder/internal/storage"
	"twicorder/internal/twitter"
	logx "twicorder/pkg/logx"
)

// lookupChunkSize is the id cap per users/lookup call.
const lookupChunkSize = 100

type cachedUser struct {
	data map[string]any
	at   time.Time
}

// Expander hydrates user mentions. Safe for concurrent use; a single lock
// covers the cache and the lookup round so racing runs don't double-spend
// lookups on the same ids.
type Expander struct {
	client *twitter.Client
	store  storage.Store
	ttl    time.Duration
	log    logx.Logger

	mu    sync.Mutex
	users map[string]cachedUser
}

func New(client *twitter.Client, store storage.Store, ttl time.Duration, log logx.Logger) *Expander {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Expander{
		client: client,
		store:  store,
		ttl:    ttl,
		log:    log,
		users:  make(map[string]cachedUser),
	}
}

// ExpandMentions rewrites the records' user_mentions entries with full user
// data, looking up ids the cache cannot serve. Mentions whose lookup budget
// was spent recently elsewhere pass through unmodified rather than forcing a
// call.
func (e *Expander) ExpandMentions(ctx context.Context, records []twitter.Record) ([]twitter.Record, error) {
	if len(records) == 0 {
		return records, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.prune(now)

	// Decode once; the same tree is harvested, rewritten and re-encoded.
	trees := make([]map[string]any, len(records))
	missing := map[string]struct{}{}
	for i, rec := range records {
		var tree map[string]any
		if err := json.Unmarshal(rec.Data, &tree); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", rec.ID, err)
		}
		trees[i] = tree
		for _, v := range collectKeyValues("user", tree) {
			if user, ok := v.(map[string]any); ok {
				e.add(user, now)
			}
		}
		for _, id := range mentionIDs(tree) {
			if _, ok := e.users[id]; !ok {
				missing[id] = struct{}{}
			}
		}
	}

	if err := e.lookupMissing(ctx, missing, now); err != nil {
		return nil, err
	}

	out := make([]twitter.Record, len(records))
	for i, rec := range records {
		rewritten := false
		for _, section := range collectKeyValues("user_mentions", trees[i]) {
			list, ok := section.([]any)
			if !ok {
				continue
			}
			for _, item := range list {
				mention, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if cu, ok := e.users[idOf(mention)]; ok {
					for k, v := range cu.data {
						mention[k] = v
					}
					rewritten = true
				}
			}
		}
		out[i] = rec
		if rewritten {
			data, err := json.Marshal(trees[i])
			if err != nil {
				return nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
			}
			out[i].Data = data
		}
	}
	return out, nil
}

// lookupMissing hydrates due ids in chunks of at most lookupChunkSize.
func (e *Expander) lookupMissing(ctx context.Context, missing map[string]struct{}, now time.Time) error {
	var due []string
	for id := range missing {
		ok, err := e.store.IsFresh(ctx, id, e.ttl, now)
		if err != nil {
			return err
		}
		if ok {
			due = append(due, id)
		}
	}
	if len(due) == 0 {
		return nil
	}

	ep, ok := twitter.Lookup("user_lookups")
	if !ok {
		return fmt.Errorf("user_lookups endpoint not registered")
	}
	for start := 0; start < len(due); start += lookupChunkSize {
		end := start + lookupChunkSize
		if end > len(due) {
			end = len(due)
		}
		chunk := due[start:end]
		page, err := ep.Fetch(ctx, e.client, map[string]string{
			"user_id": strings.Join(chunk, ","),
		}, "")
		if err != nil {
			return fmt.Errorf("user lookup: %w", err)
		}
		for _, rec := range page.Records {
			var user map[string]any
			if err := json.Unmarshal(rec.Data, &user); err != nil {
				continue
			}
			e.add(user, now)
		}
		for _, id := range chunk {
			if err := e.store.MarkExpanded(ctx, id, now); err != nil {
				return err
			}
		}
		e.log.Debug("expanded user mentions",
			logx.Int("looked_up", len(chunk)),
			logx.Int("hydrated", len(page.Records)),
		)
	}
	return nil
}

func (e *Expander) add(user map[string]any, now time.Time) {
	if id := idOf(user); id != "" {
		e.users[id] = cachedUser{data: user, at: now}
	}
}

func (e *Expander) prune(now time.Time) {
	for id, cu := range e.users {
		if now.Sub(cu.at) > e.ttl {
			delete(e.users, id)
		}
	}
}

// idOf reads an entity id from a decoded object, preferring the string form.
func idOf(obj map[string]any) string {
	if s, ok := obj["id_str"].(string); ok && s != "" {
		return s
	}
	switch v := obj["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	}
	return ""
}

// mentionIDs collects all mentioned user ids anywhere in the tree.
func mentionIDs(tree map[string]any) []string {
	var ids []string
	for _, section := range collectKeyValues("user_mentions", tree) {
		list, ok := section.([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			if mention, ok := item.(map[string]any); ok {
				if id := idOf(mention); id != "" {
					ids = append(ids, id)
				}
			}
		}
	}
	return ids
}

// collectKeyValues finds every value stored under key at any depth. For
// "user" the values are objects; for "user_mentions" they are arrays.
func collectKeyValues(key string, node any) []any {
	var out []any
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			if k == key {
				out = append(out, v)
				continue
			}
			out = append(out, collectKeyValues(key, v)...)
		}
	case []any:
		for _, item := range n {
			out = append(out, collectKeyValues(key, item)...)
		}
	}
	return out
}

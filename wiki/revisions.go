package wiki

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
)

// revisionsBatch is the per-content rvlimit. Content-bearing revision
// queries are capped at 50 items for non-bot clients.
const revisionsBatch = 50

type revisionsQuery struct {
	Pages []struct {
		PageID    int64  `json:"pageid"`
		NS        int    `json:"ns"`
		Title     string `json:"title"`
		Missing   bool   `json:"missing"`
		Revisions []struct {
			RevID     int64    `json:"revid"`
			ParentID  int64    `json:"parentid"`
			Minor     bool     `json:"minor"`
			Anon      bool     `json:"anon"`
			User      string   `json:"user"`
			UserID    int64    `json:"userid"`
			Timestamp string   `json:"timestamp"`
			Size      int64    `json:"size"`
			SHA1      string   `json:"sha1"`
			Comment   string   `json:"comment"`
			Tags      []string `json:"tags"`
			Slots     struct {
				Main struct {
					Content string `json:"content"`
				} `json:"main"`
			} `json:"slots"`
		} `json:"revisions"`
	} `json:"pages"`
}

// RevisionIter streams the full revision history of a single page,
// oldest first, one rate-limited call per batch of revisionsBatch.
type RevisionIter struct {
	client *Client
	pageID int64
	since  int64 // only revisions with id strictly greater are yielded

	cont map[string]string
	done bool

	buf []Revision
	cur Revision
	err error
}

// Revisions returns a lazy iterator over a page's revisions. When since
// is non-zero only revisions strictly after that revision id are
// returned.
//
// The wikitext body is always taken from the main slot's content field.
// Earlier versions of the archiver read a summary field instead and
// silently stored empty bodies; the slot body is the only reliable
// source.
func (c *Client) Revisions(pageID int64, since int64) *RevisionIter {
	return &RevisionIter{client: c, pageID: pageID, since: since}
}

// Next advances the iterator; false means exhausted or failed (see Err).
func (it *RevisionIter) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for len(it.buf) == 0 {
		if it.done {
			return false
		}
		if !it.fetch(ctx) {
			return false
		}
	}
	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	return true
}

// Revision returns the value produced by the last successful Next.
func (it *RevisionIter) Revision() Revision { return it.cur }

// Err returns the error that terminated iteration, if any.
func (it *RevisionIter) Err() error { return it.err }

func (it *RevisionIter) fetch(ctx context.Context) bool {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("pageids", strconv.FormatInt(it.pageID, 10))
	params.Set("prop", "revisions")
	params.Set("rvprop", "ids|timestamp|user|userid|comment|content|sha1|size|tags|flags")
	params.Set("rvslots", "main")
	params.Set("rvlimit", strconv.Itoa(revisionsBatch))
	params.Set("rvdir", "newer")
	if it.since > 0 {
		params.Set("rvstartid", strconv.FormatInt(it.since, 10))
	}
	for k, v := range it.cont {
		params.Set(k, v)
	}

	resp, err := it.client.query(ctx, "revisions", params)
	if err != nil {
		it.err = err
		return false
	}

	var q revisionsQuery
	if err := json.Unmarshal(resp.Query, &q); err != nil || len(q.Pages) == 0 {
		it.err = &ResponseError{Op: "revisions", Reason: "malformed query block"}
		return false
	}
	page := q.Pages[0]
	if page.Missing {
		it.err = &NotFoundError{Kind: "page", Title: strconv.FormatInt(it.pageID, 10)}
		return false
	}

	for _, r := range page.Revisions {
		if it.since > 0 && r.RevID <= it.since {
			// rvstartid is inclusive; the contract is strictly-after.
			continue
		}
		rev := Revision{
			RevisionID: r.RevID,
			ParentID:   r.ParentID,
			PageID:     page.PageID,
			Timestamp:  parseTimestamp(r.Timestamp),
			User:       r.User,
			Comment:    r.Comment,
			Content:    r.Slots.Main.Content,
			Size:       r.Size,
			SHA1:       r.SHA1,
			Minor:      r.Minor,
			Tags:       r.Tags,
		}
		if !r.Anon && r.UserID != 0 {
			uid := r.UserID
			rev.UserID = &uid
		}
		it.buf = append(it.buf, rev)
	}

	if len(resp.Continue) > 0 {
		it.cont = resp.Continue
	} else {
		it.done = true
	}
	return true
}

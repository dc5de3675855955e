package wiki

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"
)

type recentChangesQuery struct {
	RecentChanges []struct {
		Type      string `json:"type"`
		NS        int    `json:"ns"`
		Title     string `json:"title"`
		PageID    int64  `json:"pageid"`
		RevID     int64  `json:"revid"`
		Timestamp string `json:"timestamp"`
	} `json:"recentchanges"`
}

// ChangeIter streams recentchanges entries inside [since, until],
// oldest first.
type ChangeIter struct {
	client       *Client
	since, until time.Time

	cont map[string]string
	done bool

	buf []RecentChange
	cur RecentChange
	err error
}

// RecentChanges returns a lazy iterator over edit and new-page events in
// the window. Log-only entries (moves, deletions) are excluded here; the
// change detector reads those from LogEvents.
func (c *Client) RecentChanges(since, until time.Time) *ChangeIter {
	return &ChangeIter{client: c, since: since, until: until}
}

func (it *ChangeIter) Next(ctx context.Context) bool {
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

func (it *ChangeIter) Change() RecentChange { return it.cur }
func (it *ChangeIter) Err() error           { return it.err }

func (it *ChangeIter) fetch(ctx context.Context) bool {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "recentchanges")
	params.Set("rcprop", "title|ids|timestamp")
	params.Set("rctype", "edit|new")
	params.Set("rcdir", "newer")
	params.Set("rcstart", apiTimestamp(it.since))
	params.Set("rcend", apiTimestamp(it.until))
	params.Set("rclimit", strconv.Itoa(MaxBatch))
	for k, v := range it.cont {
		params.Set(k, v)
	}

	resp, err := it.client.query(ctx, "recentchanges", params)
	if err != nil {
		it.err = err
		return false
	}

	if len(resp.Query) > 0 {
		var q recentChangesQuery
		if err := json.Unmarshal(resp.Query, &q); err != nil {
			it.err = &ResponseError{Op: "recentchanges", Reason: "malformed query block"}
			return false
		}
		for _, rc := range q.RecentChanges {
			typ := ChangeType(rc.Type)
			if typ != ChangeEdit && typ != ChangeNew {
				continue
			}
			it.buf = append(it.buf, RecentChange{
				Type:       typ,
				PageID:     rc.PageID,
				Namespace:  rc.NS,
				Title:      stripNamespacePrefix(rc.Title, rc.NS),
				RevisionID: rc.RevID,
				Timestamp:  parseTimestamp(rc.Timestamp),
			})
		}
	}

	if len(resp.Continue) > 0 {
		it.cont = resp.Continue
	} else {
		it.done = true
	}
	return true
}

type logEventsQuery struct {
	LogEvents []struct {
		Type      string `json:"type"`
		Action    string `json:"action"`
		NS        int    `json:"ns"`
		Title     string `json:"title"`
		PageID    int64  `json:"pageid"`
		Timestamp string `json:"timestamp"`
		Params    struct {
			TargetNS    int    `json:"target_ns"`
			TargetTitle string `json:"target_title"`
		} `json:"params"`
	} `json:"logevents"`
}

// LogEventIter streams move or delete log events inside [since, until],
// oldest first. Ordering matters: the incremental orchestrator applies
// moves in log order to resolve rename chains.
type LogEventIter struct {
	client       *Client
	typ          LogEventType
	since, until time.Time

	cont map[string]string
	done bool

	buf []LogEvent
	cur LogEvent
	err error
}

// LogEvents returns a lazy iterator over one log stream (move or delete).
func (c *Client) LogEvents(typ LogEventType, since, until time.Time) *LogEventIter {
	return &LogEventIter{client: c, typ: typ, since: since, until: until}
}

func (it *LogEventIter) Next(ctx context.Context) bool {
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

func (it *LogEventIter) Event() LogEvent { return it.cur }
func (it *LogEventIter) Err() error      { return it.err }

func (it *LogEventIter) fetch(ctx context.Context) bool {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "logevents")
	params.Set("letype", string(it.typ))
	params.Set("leprop", "ids|title|type|timestamp|details")
	params.Set("ledir", "newer")
	params.Set("lestart", apiTimestamp(it.since))
	params.Set("leend", apiTimestamp(it.until))
	params.Set("lelimit", strconv.Itoa(MaxBatch))
	for k, v := range it.cont {
		params.Set(k, v)
	}

	resp, err := it.client.query(ctx, "logevents", params)
	if err != nil {
		it.err = err
		return false
	}

	if len(resp.Query) > 0 {
		var q logEventsQuery
		if err := json.Unmarshal(resp.Query, &q); err != nil {
			it.err = &ResponseError{Op: "logevents", Reason: "malformed query block"}
			return false
		}
		for _, le := range q.LogEvents {
			ev := LogEvent{
				Type:      LogEventType(le.Type),
				PageID:    le.PageID,
				Namespace: le.NS,
				Title:     stripNamespacePrefix(le.Title, le.NS),
				Timestamp: parseTimestamp(le.Timestamp),
			}
			if ev.Type == LogMove {
				ev.TargetNamespace = le.Params.TargetNS
				ev.TargetTitle = stripNamespacePrefix(le.Params.TargetTitle, le.Params.TargetNS)
			}
			it.buf = append(it.buf, ev)
		}
	}

	if len(resp.Continue) > 0 {
		it.cont = resp.Continue
	} else {
		it.done = true
	}
	return true
}

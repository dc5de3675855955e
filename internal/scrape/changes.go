package scrape

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/wikivault/wikivault/internal/storage"
	"github.com/wikivault/wikivault/wiki"
)

// Move is one pending rename, kept in log-event order so rename chains
// (A moved away, B moved onto A's old title) apply cleanly.
type Move struct {
	PageID       int64
	NewNamespace int
	NewTitle     string
	Timestamp    time.Time
}

// ChangeSet is the collapsed view of a delta window: four disjoint
// buckets plus the last-seen descriptor of every page involved. A page
// with several events in the window lands in exactly one bucket, the
// one for its most recent action (ties break delete > move > edit >
// new).
type ChangeSet struct {
	NewPageIDs      []int64
	ModifiedPageIDs []int64
	Moves           []Move
	DeletedPageIDs  []int64

	// Descriptors holds the freshest metadata seen for each surviving
	// page, keyed by page id. Scraping uses it for the page upsert.
	Descriptors map[int64]storage.Page
}

// Empty reports whether the window contained no relevant events.
func (cs *ChangeSet) Empty() bool {
	return len(cs.NewPageIDs) == 0 && len(cs.ModifiedPageIDs) == 0 &&
		len(cs.Moves) == 0 && len(cs.DeletedPageIDs) == 0
}

// event precedence for same-instant ties.
const (
	rankNew = iota
	rankEdit
	rankMove
	rankDelete
)

type pageEvent struct {
	rank int
	ts   time.Time
	move *Move
}

func (e pageEvent) supersededBy(rank int, ts time.Time) bool {
	if ts.After(e.ts) {
		return true
	}
	return ts.Equal(e.ts) && rank > e.rank
}

// DetectChanges builds the ChangeSet for (since, until] from the
// recentchanges stream and the move and delete logs.
func (s *Scraper) DetectChanges(ctx context.Context, since, until time.Time) (*ChangeSet, error) {
	final := make(map[int64]pageEvent)
	cs := &ChangeSet{Descriptors: make(map[int64]storage.Page)}

	record := func(pageID int64, rank int, ts time.Time, mv *Move) {
		prev, seen := final[pageID]
		if !seen || prev.supersededBy(rank, ts) {
			final[pageID] = pageEvent{rank: rank, ts: ts, move: mv}
		}
	}

	rc := s.client.RecentChanges(since, until)
	for rc.Next(ctx) {
		ch := rc.Change()
		rank := rankEdit
		if ch.Type == wiki.ChangeNew {
			rank = rankNew
		}
		record(ch.PageID, rank, ch.Timestamp, nil)
		cs.Descriptors[ch.PageID] = storage.Page{
			PageID:    ch.PageID,
			Namespace: ch.Namespace,
			Title:     ch.Title,
		}
	}
	if err := rc.Err(); err != nil {
		return nil, err
	}

	moves := s.client.LogEvents(wiki.LogMove, since, until)
	for moves.Next(ctx) {
		ev := moves.Event()
		id, err := s.resolveEventPage(ctx, ev)
		if err != nil {
			return nil, err
		}
		if id == 0 {
			continue
		}
		mv := &Move{
			PageID:       id,
			NewNamespace: ev.TargetNamespace,
			NewTitle:     ev.TargetTitle,
			Timestamp:    ev.Timestamp,
		}
		record(id, rankMove, ev.Timestamp, mv)
		// Every move applies in log order regardless of which bucket the
		// page finally lands in: a later edit event carries the new
		// title, but the rename itself must still happen first.
		cs.Moves = append(cs.Moves, *mv)
	}
	if err := moves.Err(); err != nil {
		return nil, err
	}

	dels := s.client.LogEvents(wiki.LogDelete, since, until)
	for dels.Next(ctx) {
		ev := dels.Event()
		id, err := s.resolveEventPage(ctx, ev)
		if err != nil {
			return nil, err
		}
		if id == 0 {
			continue
		}
		record(id, rankDelete, ev.Timestamp, nil)
	}
	if err := dels.Err(); err != nil {
		return nil, err
	}

	for pageID, ev := range final {
		switch ev.rank {
		case rankDelete:
			cs.DeletedPageIDs = append(cs.DeletedPageIDs, pageID)
			delete(cs.Descriptors, pageID)
		case rankNew:
			cs.NewPageIDs = append(cs.NewPageIDs, pageID)
		case rankEdit:
			cs.ModifiedPageIDs = append(cs.ModifiedPageIDs, pageID)
		case rankMove:
			// The rename in Moves is the whole change; a move does not
			// add revisions to the moved page.
		}
	}

	// Map iteration order is random; keep the buckets stable for logs
	// and tests.
	slices.Sort(cs.NewPageIDs)
	slices.Sort(cs.ModifiedPageIDs)
	slices.Sort(cs.DeletedPageIDs)
	return cs, nil
}

// resolveEventPage maps a log event to a page id. Old servers omit
// pageid from log entries; those resolve through the local title index.
// Returns 0 for pages the archive has never seen.
func (s *Scraper) resolveEventPage(ctx context.Context, ev wiki.LogEvent) (int64, error) {
	if ev.PageID != 0 {
		return ev.PageID, nil
	}
	p, err := s.db.GetPageByTitle(ctx, ev.Namespace, ev.Title)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return p.PageID, nil
}

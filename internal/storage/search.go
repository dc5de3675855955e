package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SearchResult is one hit against the latest-content projection.
type SearchResult struct {
	PageID     int64  `db:"page_id"`
	Title      string `db:"title"`
	RevisionID int64  `db:"revision_id"`
	Snippet    string `db:"-"`
}

const searchSnippetRadius = 60

// SearchLatest finds pages whose current content or title contains the
// term (case-insensitive substring match) and returns up to limit hits
// with a short snippet around the first occurrence.
func (d *DB) SearchLatest(ctx context.Context, term string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(term) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + escapeLike(term) + "%"
	var rows []LatestContent
	err := d.db.SelectContext(ctx, &rows, `
		SELECT * FROM latest_page_content
		WHERE title LIKE ? ESCAPE '\' OR content LIKE ? ESCAPE '\'
		ORDER BY title
		LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: search %q: %w", term, err)
	}

	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, SearchResult{
			PageID:     row.PageID,
			Title:      row.Title,
			RevisionID: row.RevisionID,
			Snippet:    snippetAround(row.Content, term),
		})
	}
	return results, nil
}

// GetLatestContent returns the projection row for a page, if present.
func (d *DB) GetLatestContent(ctx context.Context, pageID int64) (*LatestContent, error) {
	var row LatestContent
	err := d.db.GetContext(ctx, &row,
		`SELECT * FROM latest_page_content WHERE page_id = ?`, pageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: latest content of page %d", ErrNotFound, pageID)
		}
		return nil, fmt.Errorf("storage: latest content of page %d: %w", pageID, err)
	}
	return &row, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func snippetAround(content, term string) string {
	idx := strings.Index(strings.ToLower(content), strings.ToLower(term))
	if idx < 0 {
		if len(content) > 2*searchSnippetRadius {
			return content[:2*searchSnippetRadius] + "..."
		}
		return content
	}
	start := idx - searchSnippetRadius
	if start < 0 {
		start = 0
	}
	end := idx + len(term) + searchSnippetRadius
	if end > len(content) {
		end = len(content)
	}
	snippet := content[start:end]
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(content) {
		snippet += "..."
	}
	return snippet
}

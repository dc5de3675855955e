package wiki

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
)

// allpagesQuery mirrors query.pages of a generator=allpages response.
type allpagesQuery struct {
	Pages []struct {
		PageID   int64  `json:"pageid"`
		NS       int    `json:"ns"`
		Title    string `json:"title"`
		Redirect bool   `json:"redirect"`
	} `json:"pages"`
}

// PageIter streams page descriptors for one namespace. Each underlying
// HTTP call is rate limited; the iterator fetches the next batch only
// when the current one is exhausted.
type PageIter struct {
	client    *Client
	namespace int

	cont map[string]string
	done bool

	buf []PageDescriptor
	cur PageDescriptor
	err error
}

// ListPages returns a lazy iterator over all pages in the namespace,
// in the API's title order.
func (c *Client) ListPages(namespace int) *PageIter {
	return &PageIter{client: c, namespace: namespace}
}

// Next advances the iterator. It returns false when the listing is
// exhausted or an error occurred; check Err afterwards.
func (it *PageIter) Next(ctx context.Context) bool {
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

// Page returns the descriptor produced by the last successful Next.
func (it *PageIter) Page() PageDescriptor { return it.cur }

// Err returns the error that terminated iteration, if any.
func (it *PageIter) Err() error { return it.err }

func (it *PageIter) fetch(ctx context.Context) bool {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("generator", "allpages")
	params.Set("gapnamespace", strconv.Itoa(it.namespace))
	params.Set("gaplimit", strconv.Itoa(MaxBatch))
	params.Set("prop", "info")
	for k, v := range it.cont {
		params.Set(k, v)
	}

	resp, err := it.client.query(ctx, "allpages", params)
	if err != nil {
		it.err = err
		return false
	}

	// An empty namespace yields a response without a query block.
	if len(resp.Query) > 0 {
		var q allpagesQuery
		if err := json.Unmarshal(resp.Query, &q); err != nil {
			it.err = &ResponseError{Op: "allpages", Reason: "malformed query block"}
			return false
		}
		for _, p := range q.Pages {
			it.buf = append(it.buf, PageDescriptor{
				PageID:     p.PageID,
				Namespace:  p.NS,
				Title:      stripNamespacePrefix(p.Title, p.NS),
				IsRedirect: p.Redirect,
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

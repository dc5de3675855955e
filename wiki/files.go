package wiki

import (
	"context"
	"encoding/json"
	"net/url"
)

type imageinfoQuery struct {
	Pages []struct {
		Title     string `json:"title"`
		Missing   bool   `json:"missing"`
		ImageInfo []struct {
			URL            string `json:"url"`
			DescriptionURL string `json:"descriptionurl"`
			SHA1           string `json:"sha1"`
			Size           int64  `json:"size"`
			Width          int64  `json:"width"`
			Height         int64  `json:"height"`
			Mime           string `json:"mime"`
			MediaType      string `json:"mediatype"`
			Timestamp      string `json:"timestamp"`
			User           string `json:"user"`
		} `json:"imageinfo"`
	} `json:"pages"`
}

// FileInfo fetches imageinfo metadata for one uploaded file. filename is
// the bare name without the File: prefix.
func (c *Client) FileInfo(ctx context.Context, filename string) (*FileInfo, error) {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("titles", "File:"+filename)
	params.Set("prop", "imageinfo")
	params.Set("iiprop", "url|size|sha1|mime|mediatype|timestamp|user")

	resp, err := c.query(ctx, "imageinfo", params)
	if err != nil {
		return nil, err
	}

	var q imageinfoQuery
	if err := json.Unmarshal(resp.Query, &q); err != nil || len(q.Pages) == 0 {
		return nil, &ResponseError{Op: "imageinfo", Reason: "malformed query block"}
	}
	page := q.Pages[0]
	if page.Missing || len(page.ImageInfo) == 0 {
		return nil, &NotFoundError{Kind: "file", Title: filename}
	}

	ii := page.ImageInfo[0]
	info := &FileInfo{
		Filename:       filename,
		URL:            ii.URL,
		DescriptionURL: ii.DescriptionURL,
		SHA1:           ii.SHA1,
		Size:           ii.Size,
		MimeType:       ii.Mime,
		Timestamp:      parseTimestamp(ii.Timestamp),
		Uploader:       ii.User,
	}
	// Non-image media report zero dimensions; store NULLs, not zeros.
	if ii.Width > 0 && ii.Height > 0 {
		w, h := ii.Width, ii.Height
		info.Width = &w
		info.Height = &h
	}
	return info, nil
}

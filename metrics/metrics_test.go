package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesCollectors(t *testing.T) {
	PagesScraped.Inc()
	RetriesTotal.Inc()
	APIRequestsTotal.WithLabelValues("query", "200").Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("fetch exposition: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{
		"wikivault_pages_scraped_total",
		"wikivault_retries_total",
		"wikivault_api_requests_total",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("exposition is missing %s", name)
		}
	}
}

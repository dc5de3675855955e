package wiki

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"wrapped cancel", fmt.Errorf("op: %w", context.Canceled), false},
		{"http 500", &HTTPStatusError{StatusCode: 500, Status: "500 Internal Server Error"}, true},
		{"http 429", &HTTPStatusError{StatusCode: 429, Status: "429 Too Many Requests"}, true},
		{"http 403", &HTTPStatusError{StatusCode: 403, Status: "403 Forbidden"}, false},
		{"maxlag", &APIError{Code: "maxlag", Info: "lagging"}, true},
		{"readonly", &APIError{Code: "readonly", Info: "maintenance"}, true},
		{"badtoken", &APIError{Code: "badtoken", Info: "nope"}, false},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("connection refused")}, true},
		{"not found", &NotFoundError{Kind: "page", Title: "Gone"}, false},
		{"sqlite busy", errors.New("step: database is locked (5) (SQLITE_BUSY)"), true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

package httpx

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// QueryInt parses an optional integer query parameter.
func QueryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, raw)
	}
	return v, nil
}

// QueryTime parses an optional time query parameter given either as unix
// milliseconds or as RFC 3339. The result is unix milliseconds, 0 if absent.
func QueryTime(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be unix milliseconds or RFC 3339, got %q", name, raw)
	}
	return t.UnixMilli(), nil
}

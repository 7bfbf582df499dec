package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/gnasty-relay/internal/eventlog"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order represents the chronological order to use when listing rows.
type Order string

const (
	// OrderDesc returns rows newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns rows oldest first.
	OrderAsc Order = "asc"
)

// Filters captures the parsed query parameters for history lookups.
type Filters struct {
	Since *time.Time
	Until *time.Time
	Limit int
	Order Order
}

// ParseFilters parses query parameters into a Filters struct. "from" and
// "to" are accepted as aliases of "since" and "until".
func ParseFilters(values url.Values, now time.Time) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	for _, key := range []string{"since", "from"} {
		if raw := values.Get(key); raw != "" {
			parsed, err := parseTime(raw, now)
			if err != nil {
				return Filters{}, errors.New("invalid " + key + " parameter")
			}
			f.Since = &parsed
		}
	}
	for _, key := range []string{"until", "to"} {
		if raw := values.Get(key); raw != "" {
			parsed, err := parseTime(raw, now)
			if err != nil {
				return Filters{}, errors.New("invalid " + key + " parameter")
			}
			f.Until = &parsed
		}
	}
	if f.Since != nil && f.Until != nil && f.Until.Before(*f.Since) {
		return Filters{}, errors.New("until must not be before since")
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query(), time.Now())
}

// parseTime accepts RFC 3339, Unix seconds, or a duration meaning that
// long before now.
func parseTime(raw string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time")
}

// Range converts the since/until bounds into an event log range.
func (f Filters) Range() eventlog.Range {
	var r eventlog.Range
	if f.Since != nil {
		r.From = *f.Since
	}
	if f.Until != nil {
		r.To = *f.Until
	}
	return r
}

// Window converts the bounds into a segment window.
func (f Filters) Window() eventlog.Window {
	r := f.Range()
	return eventlog.Window{Start: r.From, End: r.To}
}

// Matches reports whether t satisfies the time bounds.
func (f Filters) Matches(t time.Time) bool {
	return f.Range().Contains(t)
}

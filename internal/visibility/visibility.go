// Package visibility decides which stored events a dashboard session may
// see. By default a session only sees events captured after its own login,
// so a fresh operator session starts from a clean slate; explicit query
// overrides widen or narrow that window.
package visibility

import (
	"time"

	"github.com/webtrap/webtrap/internal/store"
)

// dateOnly matches a bare calendar date override.
const dateOnly = "2006-01-02"

// Overrides are the operator-supplied filter parameters. Empty fields fall
// back to the session defaults.
type Overrides struct {
	Since      string
	Until      string
	IP         string
	Country    string
	AttackType string
}

// Effective resolves a session's login time and its overrides into store
// filters.
//
// The since override accepts three shapes: a bare date, which expands to
// that whole calendar day; an RFC 3339 timestamp, which is converted to
// the store's UTC representation; and anything else, which is passed
// through verbatim for callers that already speak the store format. With
// neither a login time nor a since override there is no sensible window,
// and the result matches nothing rather than exposing the full history.
func Effective(loginTime time.Time, o Overrides) store.Filters {
	f := store.Filters{
		IP:         o.IP,
		Country:    o.Country,
		AttackType: o.AttackType,
		Until:      normalize(o.Until),
	}

	switch {
	case o.Since != "":
		if day, err := time.Parse(dateOnly, o.Since); err == nil {
			f.Since = store.FormatTime(day)
			if o.Until == "" {
				f.Until = store.FormatTime(day.AddDate(0, 0, 1))
			}
		} else {
			f.Since = normalize(o.Since)
		}
	case !loginTime.IsZero():
		f.Since = store.FormatTime(loginTime)
	default:
		f.MatchNone = true
	}

	return f
}

// normalize converts an RFC 3339 timestamp to the store representation and
// leaves any other value untouched.
func normalize(v string) string {
	if v == "" {
		return ""
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return store.FormatTime(t)
	}
	return v
}

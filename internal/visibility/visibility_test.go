package visibility

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/webtrap/webtrap/internal/store"
)

func TestEffectiveDefaultsToLoginTime(t *testing.T) {
	login := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

	f := Effective(login, Overrides{})
	assert.Equal(t, "2025-06-01T09:30:00.000000", f.Since)
	assert.Empty(t, f.Until)
	assert.False(t, f.MatchNone)
}

func TestEffectiveBareDateExpandsToWholeDay(t *testing.T) {
	login := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	f := Effective(login, Overrides{Since: "2025-06-01"})
	assert.Equal(t, "2025-06-01T00:00:00.000000", f.Since)
	assert.Equal(t, "2025-06-02T00:00:00.000000", f.Until)
}

func TestEffectiveBareDateKeepsExplicitUntil(t *testing.T) {
	f := Effective(time.Time{}, Overrides{
		Since: "2025-06-01",
		Until: "2025-06-05T00:00:00.000000",
	})
	assert.Equal(t, "2025-06-01T00:00:00.000000", f.Since)
	assert.Equal(t, "2025-06-05T00:00:00.000000", f.Until)
}

func TestEffectiveRFC3339ConvertedToUTC(t *testing.T) {
	f := Effective(time.Time{}, Overrides{Since: "2025-06-01T12:00:00+02:00"})
	assert.Equal(t, "2025-06-01T10:00:00.000000", f.Since)
}

func TestEffectiveStoreFormatPassedVerbatim(t *testing.T) {
	f := Effective(time.Time{}, Overrides{
		Since: "2025-06-01T10:00:00.000000",
		Until: "2025-06-02T10:00:00.000000",
	})
	assert.Equal(t, "2025-06-01T10:00:00.000000", f.Since)
	assert.Equal(t, "2025-06-02T10:00:00.000000", f.Until)
}

func TestEffectiveOverrideBeatsLoginTime(t *testing.T) {
	login := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	f := Effective(login, Overrides{Since: "2025-05-01T00:00:00.000000"})
	assert.Equal(t, "2025-05-01T00:00:00.000000", f.Since)
}

func TestEffectiveNoWindowMatchesNothing(t *testing.T) {
	f := Effective(time.Time{}, Overrides{IP: "10.0.0"})
	assert.True(t, f.MatchNone)
	assert.Equal(t, "10.0.0", f.IP)
}

func TestEffectiveCarriesFieldFilters(t *testing.T) {
	login := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	f := Effective(login, Overrides{
		IP:         "203.0.113",
		Country:    "Germany",
		AttackType: "sql_injection",
	})
	assert.Equal(t, store.Filters{
		Since:      "2025-06-01T00:00:00.000000",
		IP:         "203.0.113",
		Country:    "Germany",
		AttackType: "sql_injection",
	}, f)
}

package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/orbitmail/syncd/internal/model"
)

func baseFields() Fields {
	return Fields{
		Title:    "Quarterly review",
		Start:    time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		Due:      time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		Priority: model.PriorityNormal,
		Status:   model.StatusOpen,
		TimeZone: "UTC",
	}
}

func TestComputeDeterministic(t *testing.T) {
	a := Compute(baseFields())
	b := Compute(baseFields())
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestTitleNormalization(t *testing.T) {
	f := baseFields()
	g := baseFields()
	g.Title = "  QUARTERLY   Review "
	assert.Equal(t, Compute(f), Compute(g))

	g.Title = "Quarterly review 2"
	assert.NotEqual(t, Compute(f), Compute(g))
}

func TestTimeOfDayIgnored(t *testing.T) {
	f := baseFields()
	g := baseFields()
	g.Start = g.Start.Add(5 * time.Hour)
	g.Due = g.Due.Add(5 * time.Hour)
	assert.Equal(t, Compute(f), Compute(g), "time-of-day drift must not change the hash")

	g.Start = g.Start.AddDate(0, 0, 1)
	assert.NotEqual(t, Compute(f), Compute(g), "a different date must change the hash")
}

func TestPriorityAndStatusTracked(t *testing.T) {
	f := baseFields()

	g := baseFields()
	g.Priority = model.PriorityHigh
	assert.NotEqual(t, Compute(f), Compute(g))

	g = baseFields()
	g.Status = model.StatusDone
	assert.NotEqual(t, Compute(f), Compute(g))
}

func TestUnknownTimezoneFallsBackToUTC(t *testing.T) {
	f := baseFields()
	g := baseFields()
	g.TimeZone = "Not/AZone"
	f.TimeZone = ""
	assert.Equal(t, Compute(f), Compute(g))
}

func TestZeroTimes(t *testing.T) {
	f := baseFields()
	f.Start = time.Time{}
	f.Due = time.Time{}
	assert.NotPanics(t, func() { Compute(f) })
}

// Package fingerprint computes a stable content hash over the
// semantically meaningful fields of a synchronized item. The hash is
// the change-detection fallback when a backend offers no reliable
// revision token: equal fingerprints mean "no meaningful change" even
// if untracked fields differ.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/orbitmail/syncd/internal/model"
)

// Fields is the input to one fingerprint computation.
type Fields struct {
	Title    string
	Start    time.Time
	Due      time.Time
	Priority model.Priority
	Status   model.ItemStatus
	TimeZone string
}

// Compute returns a hex digest over the normalized fields. Only the
// date portion of start/due enters the hash, in the item's own
// timezone, so a time-of-day shift introduced by a timezone round trip
// does not read as a content change.
func Compute(f Fields) string {
	loc := location(f.TimeZone)

	h := sha256.New()
	parts := []string{
		normalizeTitle(f.Title),
		datePart(f.Start, loc),
		datePart(f.Due, loc),
		strconv.Itoa(int(f.Priority)),
		string(f.Status),
		loc.String(),
	}
	h.Write([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

func location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// normalizeTitle lowercases and collapses runs of whitespace so
// cosmetic formatting differences do not change the hash.
func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func datePart(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format("2006-01-02")
}

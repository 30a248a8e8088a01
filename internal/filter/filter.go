// Package filter decides whether a candidate release matches a title profile.
package filter

import (
	"strings"
	"time"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

// Criteria is the filter view of a profile.
type Criteria struct {
	Includes            []string
	Excludes            []string
	PreferredResolution string
	PreferredSubgroup   string
	PublishedAfter      *time.Time
	PublishedBefore     *time.Time
}

// FromProfile extracts the filter criteria from a profile.
func FromProfile(p harvest.Profile) Criteria {
	return Criteria{
		Includes:            p.Includes,
		Excludes:            p.Excludes,
		PreferredResolution: p.PreferredResolution,
		PreferredSubgroup:   p.PreferredSubgroup,
		PublishedAfter:      p.PublishedAfter,
		PublishedBefore:     p.PublishedBefore,
	}
}

// Matches reports whether c satisfies every criterion.
// Unknown candidate fields never cause a rejection.
func Matches(c harvest.Candidate, criteria Criteria) bool {
	title := strings.ToLower(c.Title)

	for _, term := range criteria.Includes {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if !strings.Contains(title, strings.ToLower(term)) {
			return false
		}
	}
	for _, term := range criteria.Excludes {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if strings.Contains(title, strings.ToLower(term)) {
			return false
		}
	}

	if !knownEqual(criteria.PreferredResolution, c.Resolution) {
		return false
	}
	if !knownEqual(criteria.PreferredSubgroup, c.Subgroup) {
		return false
	}

	if c.PublishedAt != nil {
		published := c.PublishedAt.UTC()
		if criteria.PublishedAfter != nil && published.Before(criteria.PublishedAfter.UTC()) {
			return false
		}
		if criteria.PublishedBefore != nil && published.After(criteria.PublishedBefore.UTC()) {
			return false
		}
	}
	return true
}

// knownEqual requires a case-insensitive match only when both sides are set.
func knownEqual(want, got string) bool {
	if want == "" || got == "" {
		return true
	}
	return strings.EqualFold(want, got)
}

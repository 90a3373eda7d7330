// Package calendar implements the chainable exclusion predicates that a
// Trigger consults before committing to a candidate fire time.
//
// A Calendar answers one question — IsTimeIncluded — and may wrap a base
// Calendar; the effective predicate is the conjunction of the whole chain.
package calendar

import "time"

// Calendar is a chainable inclusion predicate. Implementations hold their
// own exclusion data (a day-of-week set, a time-of-day window, ...) and
// delegate to Base for anything they don't veto themselves.
type Calendar interface {
	// IsTimeIncluded reports whether t survives this calendar and every
	// calendar in its base chain.
	IsTimeIncluded(t time.Time) bool

	// Base returns the calendar this one is chained onto, or nil.
	Base() Calendar

	// SetBase rewires the base of the chain.
	SetBase(base Calendar)

	// Description is a short human-readable label, used in diagnostics.
	Description() string
}

// chained is embedded by every concrete calendar to implement the Base
// plumbing so variants only need to implement their own exclusion check.
type chained struct {
	base Calendar
	desc string
}

func (c *chained) Base() Calendar        { return c.base }
func (c *chained) SetBase(base Calendar) { c.base = base }
func (c *chained) Description() string   { return c.desc }
func (c *chained) baseIncludes(t time.Time) bool {
	if c.base == nil {
		return true
	}
	return c.base.IsTimeIncluded(t)
}

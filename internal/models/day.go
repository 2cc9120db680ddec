// Package models defines the core data structures shared across FlowGate modules.
//
// It includes the calendar day enumeration, flow session state, wire-level
// message shapes, and the error taxonomy surfaced at the gateway boundary.
package models

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Day identifies one calendar day of the task week. The zero value is Monday
// and the ordering is the fixed calendar order Monday through Sunday.
type Day int

// Calendar days in fixed order. Sunday is the last day of the week; it has no
// successor.
const (
	Monday Day = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// NumDays is the number of days in the task week.
const NumDays = 7

// DayLocale selects the wire-level naming of day screens.
type DayLocale string

// Supported day locales. French is the default because the deployed flow
// definitions use French screen identifiers (LUNDI..DIMANCHE).
const (
	LocaleFrench  DayLocale = "fr"
	LocaleEnglish DayLocale = "en"
)

var frenchNames = [NumDays]string{"LUNDI", "MARDI", "MERCREDI", "JEUDI", "VENDREDI", "SAMEDI", "DIMANCHE"}
var englishNames = [NumDays]string{"MONDAY", "TUESDAY", "WEDNESDAY", "THURSDAY", "FRIDAY", "SATURDAY", "SUNDAY"}

// dayIndex maps normalized day names (both locales) to their Day value.
var dayIndex = func() map[string]Day {
	m := make(map[string]Day, 2*NumDays)
	for d := Monday; d <= Sunday; d++ {
		m[frenchNames[d]] = d
		m[englishNames[d]] = d
	}
	return m
}()

// Week returns all seven days in calendar order.
func Week() []Day {
	days := make([]Day, NumDays)
	for d := Monday; d <= Sunday; d++ {
		days[d] = d
	}
	return days
}

// Next returns the following calendar day, or false if d is Sunday.
func (d Day) Next() (Day, bool) {
	if d >= Sunday {
		return d, false
	}
	return d + 1, true
}

// Name returns the uppercase wire name of the day in the given locale, used
// as the screen identifier for the day's selection step.
func (d Day) Name(loc DayLocale) string {
	if loc == LocaleEnglish {
		return englishNames[d]
	}
	return frenchNames[d]
}

// Title returns the display label of the day (first letter upper, rest lower).
func (d Day) Title(loc DayLocale) string {
	name := d.Name(loc)
	return name[:1] + strings.ToLower(name[1:])
}

// String returns the canonical (English) name, used for logging and storage.
func (d Day) String() string {
	if d < Monday || d > Sunday {
		return fmt.Sprintf("Day(%d)", int(d))
	}
	return englishNames[d]
}

// MarshalText encodes the day under its canonical name so day-keyed maps
// round-trip through JSON in persistent session stores.
func (d Day) MarshalText() ([]byte, error) {
	if d < Monday || d > Sunday {
		return nil, fmt.Errorf("cannot marshal out-of-range day %d", int(d))
	}
	return []byte(englishNames[d]), nil
}

// UnmarshalText decodes a day from any accepted spelling.
func (d *Day) UnmarshalText(text []byte) error {
	parsed, err := ParseDay(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// diacriticFold strips combining marks so accented user input ("samedî")
// still resolves against the unaccented canonical names.
var diacriticFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// ParseDay resolves free-form day input onto exactly one Day. Matching is
// case-insensitive, ignores surrounding whitespace and diacritics, and
// accepts both French and English names. Anything else fails with
// ErrInvalidDay.
func ParseDay(raw string) (Day, error) {
	folded, _, err := transform.String(diacriticFold, strings.TrimSpace(raw))
	if err != nil {
		// Malformed UTF-8 cannot name a day.
		return 0, fmt.Errorf("%w: %q", ErrInvalidDay, raw)
	}
	if d, ok := dayIndex[strings.ToUpper(folded)]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDay, raw)
}

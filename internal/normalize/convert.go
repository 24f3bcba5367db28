package normalize

// convert.go cleans raw spreadsheet cells and parses the date formats that
// show up in exported sheets:
//   - Day-first dates (02/01/2024, 2/1/24), with or without a time part
//   - ISO dates and timestamps
//   - Spreadsheet serial numbers (45292 == 2024-01-01)
//   - Excel formula prefixes (="value") and stray quotes
//
// Nothing here returns an error. Malformed input is treated as absent.

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// isoLayout is the normalized date form stored on records.
const isoLayout = "2006-01-02"

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would land more than this many years in the future are moved
// to the previous century.
var TwoDigitYearPivot = 20

// serialEpoch is day zero of spreadsheet serial dates.
var serialEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// serialRegex matches a spreadsheet serial date, optionally with a fraction
// for the time of day.
var serialRegex = regexp.MustCompile(`^\d{5}(\.\d+)?$`)

// DefaultDateLayouts are tried in order when the rules file does not list any.
var DefaultDateLayouts = []string{
	"02/01/2006",
	"2/1/2006",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2/1/2006 15:04:05",
	"2/1/2006 15:04",
	"02-01-2006",
	"02.01.2006",
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006/01/02",
}

// twoDigitYearLayouts are tried after the four-digit layouts, with pivot
// adjustment.
var twoDigitYearLayouts = []string{
	"02/01/06", "2/1/06", "02-01-06", "02.01.06",
}

// CleanCell removes common spreadsheet artifacts from a cell value:
//   - Trims whitespace
//   - Removes Excel formula prefix (="...")
//   - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") && len(s) >= 3 {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

// ParseDate converts a cell to YYYY-MM-DD using layouts in order.
// Returns "" when nothing matches.
func ParseDate(s string, layouts []string, serials bool) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(isoLayout)
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t.Format(isoLayout)
		}
	}

	if serials && serialRegex.MatchString(s) {
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return serialEpoch.AddDate(0, 0, int(f)).Format(isoLayout)
		}
	}

	return ""
}

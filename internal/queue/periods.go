package queue

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/migro/internal/models"
)

// Fixed period types of the ISO-8601 calendar as used by DHIS2-compatible
// instances.
const (
	PeriodDaily      = "DAILY"
	PeriodWeekly     = "WEEKLY"
	PeriodBimonthly  = "BIMONTHLY"
	PeriodMonthly    = "MONTHLY"
	PeriodQuarterly  = "QUARTERLY"
	PeriodSixMonthly = "SIXMONTHLY"
	PeriodYearly     = "YEARLY"
)

// Interval is a half-open [Start, End) date range in UTC.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Engulfs reports whether other lies entirely within the interval.
func (i Interval) Engulfs(other Interval) bool {
	return !other.Start.Before(i.Start) && !other.End.After(i.End)
}

var (
	dailyRe     = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})$`)
	weeklyRe    = regexp.MustCompile(`^(\d{4})W(\d{1,2})$`)
	monthlyRe   = regexp.MustCompile(`^(\d{4})(\d{2})$`)
	bimonthlyRe = regexp.MustCompile(`^(\d{4})(\d{2})B$`)
	quarterlyRe = regexp.MustCompile(`^(\d{4})Q([1-4])$`)
	sixMonthRe  = regexp.MustCompile(`^(\d{4})S([12])$`)
	yearlyRe    = regexp.MustCompile(`^(\d{4})$`)
)

// ParsePeriod resolves a period identifier of any fixed type into its
// calendar interval.
func ParsePeriod(id string) (Interval, error) {
	switch {
	case dailyRe.MatchString(id):
		m := dailyRe.FindStringSubmatch(id)
		start := date(atoi(m[1]), atoi(m[2]), atoi(m[3]))
		return Interval{start, start.AddDate(0, 0, 1)}, nil
	case weeklyRe.MatchString(id):
		m := weeklyRe.FindStringSubmatch(id)
		start := isoWeekStart(atoi(m[1]), atoi(m[2]))
		return Interval{start, start.AddDate(0, 0, 7)}, nil
	case bimonthlyRe.MatchString(id):
		m := bimonthlyRe.FindStringSubmatch(id)
		start := date(atoi(m[1]), atoi(m[2]), 1)
		return Interval{start, start.AddDate(0, 2, 0)}, nil
	case monthlyRe.MatchString(id):
		m := monthlyRe.FindStringSubmatch(id)
		month := atoi(m[2])
		if month < 1 || month > 12 {
			return Interval{}, fmt.Errorf("invalid month in period %q", id)
		}
		start := date(atoi(m[1]), month, 1)
		return Interval{start, start.AddDate(0, 1, 0)}, nil
	case quarterlyRe.MatchString(id):
		m := quarterlyRe.FindStringSubmatch(id)
		start := date(atoi(m[1]), (atoi(m[2])-1)*3+1, 1)
		return Interval{start, start.AddDate(0, 3, 0)}, nil
	case sixMonthRe.MatchString(id):
		m := sixMonthRe.FindStringSubmatch(id)
		start := date(atoi(m[1]), (atoi(m[2])-1)*6+1, 1)
		return Interval{start, start.AddDate(0, 6, 0)}, nil
	case yearlyRe.MatchString(id):
		start := date(atoi(id), 1, 1)
		return Interval{start, start.AddDate(1, 0, 0)}, nil
	default:
		return Interval{}, models.NewValidationError("unrecognized period identifier %q", id)
	}
}

// ExpandPeriods expands the requested period identifiers into the concrete
// periods of periodType whose intervals are entirely engulfed by the
// request. Identifiers already of the target granularity map to themselves.
// The result is deduplicated and ordered by period start; identical inputs
// always yield identical output.
func ExpandPeriods(periodType string, requested []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	for _, id := range requested {
		interval, err := ParsePeriod(strings.TrimSpace(id))
		if err != nil {
			return nil, err
		}
		for _, p := range periodsWithin(periodType, interval) {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// periodsWithin generates every period of the given type engulfed by the
// interval, in calendar order.
func periodsWithin(periodType string, interval Interval) []string {
	start := alignToPeriod(periodType, interval.Start)
	if start.Before(interval.Start) {
		start = nextPeriod(periodType, start)
	}

	var out []string
	for cur := start; ; cur = nextPeriod(periodType, cur) {
		end := nextPeriod(periodType, cur)
		if end.After(interval.End) {
			break
		}
		out = append(out, formatPeriod(periodType, cur))
	}
	return out
}

// alignToPeriod returns the start of the period of the given type that
// contains t.
func alignToPeriod(periodType string, t time.Time) time.Time {
	switch periodType {
	case PeriodDaily:
		return date(t.Year(), int(t.Month()), t.Day())
	case PeriodWeekly:
		year, week := t.ISOWeek()
		return isoWeekStart(year, week)
	case PeriodBimonthly:
		m := int(t.Month())
		return date(t.Year(), m-(m-1)%2, 1)
	case PeriodMonthly:
		return date(t.Year(), int(t.Month()), 1)
	case PeriodQuarterly:
		m := int(t.Month())
		return date(t.Year(), m-(m-1)%3, 1)
	case PeriodSixMonthly:
		m := int(t.Month())
		return date(t.Year(), m-(m-1)%6, 1)
	default: // PeriodYearly
		return date(t.Year(), 1, 1)
	}
}

// nextPeriod advances a period start to the start of the following period.
func nextPeriod(periodType string, start time.Time) time.Time {
	switch periodType {
	case PeriodDaily:
		return start.AddDate(0, 0, 1)
	case PeriodWeekly:
		return start.AddDate(0, 0, 7)
	case PeriodBimonthly:
		return start.AddDate(0, 2, 0)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	case PeriodQuarterly:
		return start.AddDate(0, 3, 0)
	case PeriodSixMonthly:
		return start.AddDate(0, 6, 0)
	default: // PeriodYearly
		return start.AddDate(1, 0, 0)
	}
}

// formatPeriod renders a period start as its wire identifier.
func formatPeriod(periodType string, start time.Time) string {
	switch periodType {
	case PeriodDaily:
		return start.Format("20060102")
	case PeriodWeekly:
		year, week := start.ISOWeek()
		return fmt.Sprintf("%dW%d", year, week)
	case PeriodBimonthly:
		return fmt.Sprintf("%04d%02dB", start.Year(), int(start.Month()))
	case PeriodMonthly:
		return start.Format("200601")
	case PeriodQuarterly:
		return fmt.Sprintf("%dQ%d", start.Year(), (int(start.Month())-1)/3+1)
	case PeriodSixMonthly:
		return fmt.Sprintf("%dS%d", start.Year(), (int(start.Month())-1)/6+1)
	default: // PeriodYearly
		return strconv.Itoa(start.Year())
	}
}

// isoWeekStart returns the Monday of the given ISO week. January 4 is
// always in week 1.
func isoWeekStart(year, week int) time.Time {
	jan4 := date(year, 1, 4)
	weekday := int(jan4.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	week1Monday := jan4.AddDate(0, 0, 1-weekday)
	return week1Monday.AddDate(0, 0, (week-1)*7)
}

func date(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

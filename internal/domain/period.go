package domain

import (
	"fmt"
	"time"
)

// Period is a calendar month in UTC, formatted YYYY-MM. Lexical order
// equals chronological order.
type Period string

const periodLayout = "2006-01"

func PeriodOf(t time.Time) Period {
	return Period(t.UTC().Format(periodLayout))
}

func ParsePeriod(raw string) (Period, error) {
	t, err := time.Parse(periodLayout, raw)
	if err != nil {
		return "", fmt.Errorf("bad period %q: %w", raw, err)
	}
	return PeriodOf(t), nil
}

// Start is the first instant of the month.
func (p Period) Start() time.Time {
	t, err := time.Parse(periodLayout, string(p))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// End is the first instant of the following month.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

func (p Period) Prev() Period {
	return PeriodOf(p.Start().AddDate(0, -1, 0))
}

func (p Period) Next() Period {
	return PeriodOf(p.Start().AddDate(0, 1, 0))
}

func (p Period) Before(q Period) bool {
	return p < q
}

func (p Period) String() string { return string(p) }

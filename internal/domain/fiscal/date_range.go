package fiscal

import (
	"fmt"
	"time"
)

// DateRange is an inclusive range of issue timestamps sent to the authority.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange builds a range covering whole days from start to end.
func NewDateRange(start, end time.Time) (DateRange, error) {
	r := DateRange{
		Start: time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC),
		End:   time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, time.UTC),
	}
	return r, r.Validate()
}

// Validate checks that the range is not inverted.
func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return NewBusinessRuleError("date range requires start and end")
	}
	if r.End.Before(r.Start) {
		return NewBusinessRuleError(fmt.Sprintf("date range end %s is before start %s",
			r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly)))
	}
	return nil
}

// Days returns the number of calendar days the range touches.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

func (r DateRange) String() string {
	return r.Start.Format(time.DateOnly) + ".." + r.End.Format(time.DateOnly)
}

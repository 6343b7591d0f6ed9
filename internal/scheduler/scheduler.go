// Package scheduler implements the refresh-deadline scheduler: pure,
// clock-free computation of "when does the next recurring deadline
// trigger" and "how many milliseconds until then".
//
// Restated from the original C plugin's P_init_refresh_deadline /
// calc_refresh_timeout / calc_monthly_timeslot as pure functions: a
// configuration value constructed once and threaded through the loop,
// rather than mutable globals the original ticks in place.
package scheduler

import "time"

// Roundoff is the alignment unit used to round a deadline down to a
// boundary before the first period is added (sql_history_roundoff).
type Roundoff byte

const (
	RoundSecond Roundoff = 's'
	RoundMinute Roundoff = 'm'
	RoundHour   Roundoff = 'h'
	RoundDay    Roundoff = 'd'
)

// Deadline is a recurring trigger: the next wall-clock time it fires,
// and the width of the window that ends at Next (for a fixed deadline
// also the step every Advance adds).
type Deadline struct {
	Next    time.Time
	Period  time.Duration
	Monthly bool // period is recomputed from calendar arithmetic on each Advance
	HowMany int  // sql_history_howmany: number of monthly slots spanned per period
}

// Init computes the first trigger time: round deadline down to the
// nearest past roundoff boundary, advance one period, then add
// startupDelay. Mirrors P_init_refresh_deadline.
func Init(deadline time.Time, period time.Duration, startupDelay time.Duration, roundoff Roundoff) Deadline {
	d := Deadline{Period: period}
	d.Next = roundDown(deadline, roundoff).Add(period).Add(startupDelay)
	return d
}

// InitMonthly computes the first trigger for a monthly-accounting
// window, whose period is recomputed from the number of days in the
// month straddled by deadline (calc_monthly_timeslot).
func InitMonthly(deadline time.Time, startupDelay time.Duration, roundoff Roundoff, howMany int) Deadline {
	if howMany < 1 {
		howMany = 1
	}
	d := Deadline{Monthly: true, HowMany: howMany}
	base := roundDown(deadline, roundoff)
	d.Period = monthlySlotWidth(base, howMany)
	d.Next = base.Add(d.Period).Add(startupDelay)
	return d
}

func roundDown(t time.Time, roundoff Roundoff) time.Time {
	switch roundoff {
	case RoundSecond:
		return t.Truncate(time.Second)
	case RoundMinute:
		return t.Truncate(time.Minute)
	case RoundHour:
		return t.Truncate(time.Hour)
	case RoundDay:
		y, m, day := t.Date()
		return time.Date(y, m, day, 0, 0, 0, 0, t.Location())
	default:
		return t
	}
}

// CalcTimeoutMS returns max(0, deadline-now) expressed in milliseconds,
// the value the ingest loop's poll timeout is computed from (§4.1,
// §4.2 step 1; calc_refresh_timeout).
func (d Deadline) CalcTimeoutMS(now time.Time) int64 {
	diff := d.Next.Sub(now)
	if diff < 0 {
		diff = 0
	}
	return diff.Milliseconds()
}

// Elapsed reports whether the deadline has passed as of now.
func (d Deadline) Elapsed(now time.Time) bool {
	return now.After(d.Next) || now.Equal(d.Next)
}

// Advance moves the deadline forward by one period. For a Monthly
// deadline the period is recomputed from calendar arithmetic on the
// new base, matching calc_monthly_timeslot's variable slot width.
func (d Deadline) Advance(now time.Time) Deadline {
	if d.Monthly {
		d.Period = monthlySlotWidth(d.Next, d.HowMany)
		d.Next = d.Next.Add(d.Period)
		return d
	}
	d.Next = d.Next.Add(d.Period)
	return d
}

// monthlySlotWidth computes the width of howMany consecutive calendar
// months starting at t, in time.Duration: the variable slot width
// monthly historical windows need since months aren't a fixed length.
func monthlySlotWidth(t time.Time, howMany int) time.Duration {
	if howMany < 1 {
		howMany = 1
	}
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	end := start.AddDate(0, howMany, 0)
	return end.Sub(start)
}

// MinMillis is a small helper the ingest loop uses to combine several
// independent deadlines (flush, schema refresh, transport reconnect)
// into the single poll timeout the cooperative loop waits on.
func MinMillis(values ...int64) int64 {
	if len(values) == 0 {
		return 0
	}
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

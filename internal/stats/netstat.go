package stats

import (
	"fmt"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// rotationDue reports whether t falls in the first five minutes of the
// billing day the network counters restart on
func rotationDue(t time.Time, monthStart int) bool {
	return t.Day() == monthStart && t.Hour() == 0 && t.Minute() < 5
}

// rebase applies the baseline rule to one cumulative counter. It
// returns the baseline to keep, the traffic counted since that
// baseline, and whether the baseline was reset.
//
// A counter that reads zero below a non-zero baseline counts as no
// traffic and leaves the baseline alone.
func rebase(cur, base uint64, rotate bool) (newBase, derived uint64, reset bool) {
	if base == 0 || (cur != 0 && base > cur) || rotate {
		return cur, 0, true
	}
	if cur < base {
		return base, 0, false
	}
	return base, cur - base, false
}

// formatUptime renders seconds as "N days", or "HH:MM:SS" under a day
func formatUptime(secs uint64) string {
	if days := secs / secondsPerDay; days > 0 {
		return fmt.Sprintf("%d days", days)
	}
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
}

package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// FormatRateLimitMessage renders the throttling notice shown to users
func FormatRateLimitMessage(retryAfter time.Duration, premium bool, model string) string {
	var b strings.Builder
	if model != "" {
		fmt.Fprintf(&b, "You've reached your usage limit for %s.", model)
	} else {
		b.WriteString("You've reached your usage limit.")
	}
	fmt.Fprintf(&b, " Please try again in %s.", formatWait(retryAfter))

	if premium {
		b.WriteString(" In the meantime, you can keep working by switching to a different model.")
	} else {
		b.WriteString(" Upgrade to a paid plan for higher limits.")
	}
	return b.String()
}

func formatWait(d time.Duration) string {
	if d < time.Minute {
		return "less than a minute"
	}
	minutes := int((d + time.Minute - 1) / time.Minute)
	if minutes < 60 {
		return plural(minutes, "minute")
	}
	hours, rem := minutes/60, minutes%60
	if rem == 0 {
		return plural(hours, "hour")
	}
	return plural(hours, "hour") + " and " + plural(rem, "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

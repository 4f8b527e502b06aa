package logging

import (
	"fmt"
	"strconv"
	"time"
)

var byteUnits = []struct {
	size float64
	name string
}{
	{1 << 40, "TiB"},
	{1 << 30, "GiB"},
	{1 << 20, "MiB"},
	{1 << 10, "KiB"},
}

// HumanBytes formats a byte count with IEC units, like "1.50 MiB".
func HumanBytes(b int64) string {
	for _, u := range byteUnits {
		if b >= 0 && float64(b) >= u.size {
			return fmt.Sprintf("%.2f %s", float64(b)/u.size, u.name)
		}
	}
	return strconv.FormatInt(b, 10) + " B"
}

// HumanRate formats bytes over d as a rate, like "12.00 MiB/s".
func HumanRate(bytes int64, d time.Duration) string {
	if d <= 0 {
		return "∞"
	}
	perSec := float64(bytes) / d.Seconds()
	for _, u := range byteUnits {
		if perSec >= u.size {
			return fmt.Sprintf("%.2f %s/s", perSec/u.size, u.name)
		}
	}
	return fmt.Sprintf("%.0f B/s", perSec)
}

// HumanCount formats a count with K, M and B suffixes.
func HumanCount(n int64) string {
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%.2fB", float64(n)/1e9)
	case n >= 1e6:
		return fmt.Sprintf("%.2fM", float64(n)/1e6)
	case n >= 1e3:
		return fmt.Sprintf("%.2fK", float64(n)/1e3)
	default:
		return strconv.FormatInt(n, 10)
	}
}

// HumanDuration formats d compactly: "1h15m", "1m30s", "1.23s", "45.6ms".
func HumanDuration(d time.Duration) string {
	switch {
	case d < 0:
		return d.String()
	case d >= time.Hour:
		if m := (d % time.Hour) / time.Minute; m != 0 {
			return fmt.Sprintf("%dh%dm", d/time.Hour, m)
		}
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute:
		if s := (d % time.Minute) / time.Second; s != 0 {
			return fmt.Sprintf("%dm%ds", d/time.Minute, s)
		}
		return fmt.Sprintf("%dm", d/time.Minute)
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	case d >= time.Microsecond:
		return fmt.Sprintf("%.1fµs", float64(d)/float64(time.Microsecond))
	default:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
}

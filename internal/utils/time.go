package utils

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// DeltaTime formats a duration as a human-readable string.
// Format: "Xh Ym Zs" or "Ym Zs" or "Zs" depending on duration.
func DeltaTime(d time.Duration) string {
	totalSeconds := int(d.Seconds())

	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// Seconds between 1601-01-01 and 1970-01-01
const fileTimeEpochDelta = 11644473600

// FileTimeToUnix converts a Windows FILETIME (100ns intervals since 1601) to
// Unix seconds. Zero and "never" values map to 0 and -1 respectively.
func FileTimeToUnix(ft int64) int64 {
	switch {
	case ft == 0:
		return 0
	case ft < 0 || ft == 0x7FFFFFFFFFFFFFFF:
		return -1
	}
	return ft/10000000 - fileTimeEpochDelta
}

// Jittered returns base varied by up to jitter percent in either direction.
func Jittered(base time.Duration, jitter int) time.Duration {
	if base <= 0 || jitter <= 0 {
		return base
	}
	span := int64(base) * int64(jitter) / 100
	if span <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(2*span+1)-span)
}

// Sleep waits for a jittered delay or until ctx is done, whichever comes first.
// It returns ctx.Err() when interrupted.
func Sleep(ctx context.Context, base time.Duration, jitter int) error {
	d := Jittered(base, jitter)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package utils

import "strconv"

var sizeUnits = [...]string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatFileSize renders a byte count with a binary unit, e.g. "1.50 MiB".
func FormatFileSize[T ~int | ~int64 | ~uint64](size T) string {
	if size <= 0 {
		return "0 B"
	}
	value, unit := float64(size), 0
	for value >= 1024 && unit < len(sizeUnits)-1 {
		value /= 1024
		unit++
	}
	if unit == 0 {
		return strconv.FormatUint(uint64(size), 10) + " B"
	}
	return strconv.FormatFloat(value, 'f', 2, 64) + " " + sizeUnits[unit]
}

package util

import (
	"fmt"
)

// Human readable binary size, "16MiB", "4KiB", "1000B". Only exact multiples get a unit.
func FormatSize(n int) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	i := 0
	for n >= 0x400 && n%0x400 == 0 && i < len(units)-1 {
		n /= 0x400
		i++
	}
	return fmt.Sprintf("%d%s", n, units[i])
}

// Dumps the first `limit` bytes as rows of 32, used when a stress check finds corruption.
func PrettyPrintBuf(data []byte, limit int) string {
	if limit > len(data) {
		limit = len(data)
	}

	const bytesPerRow = 32
	s := ""
	for i := 0; i < limit; i += bytesPerRow {
		s += fmt.Sprintf("+%04x | ", i)
		for j := 0; j < bytesPerRow && i+j < limit; j++ {
			s += fmt.Sprintf("%02x", data[i+j])
			// Space every 8 bytes to keep your eyes from crossing
			if (j+1)%8 == 0 {
				s += " "
			}
		}
		s += "\n"
	}
	return s
}

// splitmix64
func Hash(val uint64) uint64 {
	x := val
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x =  x ^ (x >> 31)
	return x
}

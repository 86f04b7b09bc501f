// Constants
package internal

import (
	"math/bits"
)

const KiB	= 0x400
const MiB	= KiB * KiB

const _OS_PAGE						= 0x1000
const DEFAULT_ALLOCATION_SIZE		= 16 * MiB
const DEFAULT_MIN_ALLOCATION_SIZE	= _OS_PAGE
const DEFAULT_ALIGNMENT_SIZE		= _OS_PAGE

// huge-page backing files live here unless configured otherwise
const DEFAULT_HUGEPAGES_DIR		= "/tmp/mrpoolcache"
const HUGEPAGES_FILE_SUFFIX		= ".mem"

func IsPow2(v int) bool {
	return v > 0 && v&(v-1) == 0
}

// Smallest power of two >= v. v <= 1 gives 1.
func NextPow2(v int) int {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(v-1))
}

// log2 of a power of two
func Log2(v int) int {
	return bits.TrailingZeros(uint(v))
}

package uio

// /proc/self/pagemap entry bits.
const (
	PM_PRESENT  = 1 << 63
	PM_SWAPPED  = 1 << 62
	PM_PFN_MASK = 1<<55 - 1
)

// PagemapFrame decodes a pagemap entry. present is false when the page is
// not resident in RAM. Without CAP_SYS_ADMIN the kernel reports a zero frame
// number for present pages.
func PagemapFrame(entry uint64) (pfn uint64, present bool) {
	if entry&PM_PRESENT == 0 || entry&PM_SWAPPED != 0 {
		return 0, false
	}

	return entry & PM_PFN_MASK, true
}

// contiguous reports whether the frame numbers are consecutive.
func contiguous(pfns []uint64) bool {
	for i := 1; i < len(pfns); i++ {
		if pfns[i] != pfns[i-1]+1 {
			return false
		}
	}

	return true
}

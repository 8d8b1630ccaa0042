//go:build linux

package meminfo

import "golang.org/x/sys/unix"

// loadShift is the fixed-point scale of sysinfo load averages (1 << SI_LOAD_SHIFT).
const loadShift = 1 << 16

func totalRAM() (uint64, bool) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, false
	}
	return uint64(si.Totalram) * uint64(si.Unit), true
}

func loadAverage() (float64, bool) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, false
	}
	return float64(si.Loads[0]) / loadShift, true
}

//go:build !linux

package meminfo

func totalRAM() (uint64, bool) { return 0, false }

func loadAverage() (float64, bool) { return 0, false }

package filesystem

import (
	"fmt"
	"os"
	"syscall"
)

// deviceOf returns the device id holding path.
func deviceOf(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("no device information for %s", path)
	}
	return uint64(st.Dev), nil
}

// sameFilesystem reports whether every path lives on the same device.
func sameFilesystem(paths ...string) (bool, error) {
	var first uint64
	for i, p := range paths {
		dev, err := deviceOf(p)
		if err != nil {
			return false, err
		}
		if i == 0 {
			first = dev
			continue
		}
		if dev != first {
			return false, nil
		}
	}
	return true, nil
}

//go:build linux

package offload

import "golang.org/x/sys/unix"

// hostMemFree reports the free host memory in bytes.
func hostMemFree() (uint64, bool) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, false
	}
	return uint64(si.Freeram) * uint64(si.Unit), true
}

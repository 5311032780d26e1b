//go:build !windows

package builder

import "golang.org/x/sys/unix"

// freeDiskBytes returns the free space on the volume holding path,
// counting only blocks available to unprivileged processes.
func freeDiskBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

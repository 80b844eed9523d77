package memlock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Lock pins current and future pages into RAM so private key material in
// worker buffers never reaches swap. Needs CAP_IPC_LOCK or a generous
// RLIMIT_MEMLOCK, callers treat a failure as a warning.
func Lock() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("mlockall: %w", err)
	}
	return nil
}

//go:build !linux

package memlock

import (
	"errors"
)

func Lock() error {
	return errors.New("memory locking is available only on Linux")
}

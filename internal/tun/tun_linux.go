//go:build linux

package tun

import (
	"errors"
	"fmt"
	"os"
)

// Probe stats and opens /dev/net/tun non-destructively, then closes it
// immediately, per §4.4's tun.perm check: EACCES maps to ErrPermission,
// ENOENT to ErrNotExist, success to nil.
func Probe(name string) error {
	const devPath = "/dev/net/tun"
	if _, err := os.Stat(devPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotExist
		}
		if errors.Is(err, os.ErrPermission) {
			return ErrPermission
		}
		return fmt.Errorf("stat %s: %w", devPath, err)
	}
	f, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return ErrPermission
		}
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotExist
		}
		return fmt.Errorf("open %s: %w", devPath, err)
	}
	return f.Close()
}

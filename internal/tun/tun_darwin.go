//go:build darwin

package tun

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Probe opens a utun control socket via AF_SYSTEM/SYSPROTO_CONTROL and
// closes it immediately. It never attaches the socket to an interface
// name, so no utunN device is actually created.
func Probe(name string) error {
	fd, err := unix.Socket(unix.AF_SYSTEM, unix.SOCK_DGRAM, unix.SYSPROTO_CONTROL)
	if err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return ErrPermission
		}
		return err
	}
	defer unix.Close(fd)

	info := &unix.CtlInfo{}
	copy(info.Name[:], "com.apple.net.utun_control")
	if err := unix.IoctlCtlInfo(fd, info); err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return ErrPermission
		}
		if errors.Is(err, unix.ENOENT) {
			return ErrNotExist
		}
		return err
	}
	return nil
}

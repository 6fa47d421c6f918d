//go:build !linux && !darwin

package tun

// Probe reports ErrUnsupported on platforms with no TUN probe implemented.
func Probe(name string) error {
	return ErrUnsupported
}

// Package tun provides the doctor's tun.perm platform probe: can this
// process actually open a TUN handle? It never creates a persistent
// interface — the probe opens, observes the result, and closes
// immediately.
package tun

import "errors"

// ErrUnsupported is returned by Probe on platforms with no TUN probe
// implemented.
var ErrUnsupported = errors.New("tun probe not supported on this platform")

// ErrPermission indicates the probe failed because the process lacks the
// capability to open a TUN handle (maps to missing-cap-net-admin on Linux).
var ErrPermission = errors.New("missing-cap-net-admin")

// ErrNotExist indicates the TUN device node itself is absent.
var ErrNotExist = errors.New("tun device does not exist")

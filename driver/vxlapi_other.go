//go:build !windows || !(amd64 || 386)

package driver

import (
	"fmt"
	"runtime"
)

// Load 在非 Windows 平台上没有 vxlapi，可改用 NewVirtual
func Load() (Driver, error) {
	return nil, fmt.Errorf("%w on %s", ErrUnavailable, runtime.GOOS)
}

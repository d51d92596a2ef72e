//go:build windows && (amd64 || 386)

package driver

import (
	"errors"
	"testing"
)

func TestVxlAPI_GetErrorString(t *testing.T) {
	drv, err := Load()
	if errors.Is(err, ErrUnavailable) {
		t.Skipf("vxlapi not installed: %v", err)
	}
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	for _, st := range []Status{XL_SUCCESS, XL_ERR_QUEUE_IS_EMPTY, XL_ERR_HW_NOT_PRESENT} {
		if s := drv.GetErrorString(st); s == "" {
			t.Errorf("Empty error string for %d", st)
		}
	}
}

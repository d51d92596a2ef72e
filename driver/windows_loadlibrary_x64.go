//go:build windows && amd64

package driver

const (
	vxlapiDLL = "vxlapi64.dll"
	dllSubdir = "windows_x64"
)

// XLaccess 是 64 位值，amd64 上按一个寄存器传递
func accessArgs(m AccessMask) []uintptr {
	return []uintptr{uintptr(m)}
}

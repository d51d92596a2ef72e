//go:build windows && 386

package driver

const (
	vxlapiDLL = "vxlapi.dll"
	dllSubdir = "windows_x86"
)

// 386 上 64 位的 XLaccess 按值传递时占两个栈槽，低位在前
func accessArgs(m AccessMask) []uintptr {
	return []uintptr{uintptr(uint32(m)), uintptr(uint32(m >> 32))}
}

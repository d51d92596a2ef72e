package driver

import (
	"bytes"
	"fmt"
	"strings"
)

// ISO 11898-1 CAN-FD 长度码表
var dlcToLen = [16]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLen 将长度码转换为实际字节数，超出 0..15 的码按 15 处理
func DLCToLen(dlc uint8) int {
	if dlc > 15 {
		dlc = 15
	}
	return dlcToLen[dlc]
}

// LenToDLC 返回能容纳 n 字节的最小长度码
func LenToDLC(n int) uint8 {
	if n <= 8 {
		if n < 0 {
			return 0
		}
		return uint8(n)
	}
	switch {
	case n <= 12:
		return 9
	case n <= 16:
		return 10
	case n <= 20:
		return 11
	case n <= 24:
		return 12
	case n <= 32:
		return 13
	case n <= 48:
		return 14
	default:
		return 15 // 对于超长值返回15
	}
}

// ValidFDLen 判断 n 是否正好是某个长度码对应的字节数
func ValidFDLen(n int) bool {
	return n >= 0 && n <= XL_CAN_MAX_DATA_LEN && dlcToLen[LenToDLC(n)] == n
}

// CString 读取以 0 结尾的定长字符数组
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// PutCString 写入定长字符数组，保证末尾至少一个 0
func PutCString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	if len(dst) == 0 {
		return
	}
	copy(dst[:len(dst)-1], s)
}

// FormatData 以 "01 02 03" 形式输出报文数据，用于日志
func FormatData(data []byte) string {
	var sb strings.Builder
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

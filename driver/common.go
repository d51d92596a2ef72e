package driver

import (
	"errors"
	"time"
)

// PortHandle 对应 XLportHandle
type PortHandle int32

// AccessMask 对应 XLaccess，每一位是一个全局通道索引
type AccessMask uint64

// Handle 是 xlSetNotification 返回的 Win32 事件句柄
type Handle uintptr

const XL_INVALID_PORTHANDLE PortHandle = -1

// ErrUnavailable 表示当前平台或环境下无法加载 vxlapi
var ErrUnavailable = errors.New("vxlapi driver is not available")

// Driver 定义了 Vector XL 驱动的调用面。每个方法对应一个 vxlapi 函数，
// 返回值 Status 为 XL_SUCCESS 以外时表示失败。生产实现见 vxlapi_windows.go，
// 测试与无硬件场景使用 Virtual。
type Driver interface {
	OpenDriver() Status
	CloseDriver() Status
	GetErrorString(st Status) string
	// GetDriverConfig 把 XLdriverConfig 原始字节写入 buf，len(buf) 至少为 DriverConfigSize
	GetDriverConfig(buf []byte) Status

	GetApplConfig(appName string, appChannel uint32, busType BusType) (hwType HardwareType, hwIndex, hwChannel uint32, st Status)
	SetApplConfig(appName string, appChannel uint32, hwType HardwareType, hwIndex, hwChannel uint32, busType BusType) Status
	// GetChannelIndex 在硬件不存在时返回负数
	GetChannelIndex(hwType HardwareType, hwIndex, hwChannel int) int
	PopupHwConfig(waitMs uint32) Status

	// OpenPort 返回端口句柄以及实际获得初始化权限的通道掩码
	OpenPort(appName string, accessMask, permissionMask AccessMask, rxQueueSize uint32, version InterfaceVersion, busType BusType) (PortHandle, AccessMask, Status)
	ClosePort(port PortHandle) Status
	ActivateChannel(port PortHandle, mask AccessMask, busType BusType, flags ActivateFlags) Status
	DeactivateChannel(port PortHandle, mask AccessMask) Status

	CanSetChannelBitrate(port PortHandle, mask AccessMask, bitrate uint32) Status
	CanSetChannelParamsC200(port PortHandle, mask AccessMask, btr0, btr1 uint8) Status
	CanSetChannelParams(port PortHandle, mask AccessMask, params *ChipParams) Status
	CanFdSetConfiguration(port PortHandle, mask AccessMask, conf *CanFdConf) Status
	CanSetChannelOutput(port PortHandle, mask AccessMask, mode OutputMode) Status
	CanSetChannelMode(port PortHandle, mask AccessMask, tx, txrq int) Status

	// CanTransmit / CanTransmitEx 返回实际放入发送队列的报文数
	CanTransmit(port PortHandle, mask AccessMask, events []Event) (uint32, Status)
	CanTransmitEx(port PortHandle, mask AccessMask, events []TxEvent) (uint32, Status)
	// Receive / CanReceive 每次取出一个事件，队列为空时返回 XL_ERR_QUEUE_IS_EMPTY
	Receive(port PortHandle, ev *Event) Status
	CanReceive(port PortHandle, ev *RxEvent) Status

	SetNotification(port PortHandle, queueLevel int) (Handle, Status)
	// SetTimerRate 的单位是 10us
	SetTimerRate(port PortHandle, rate uint32) Status
	CanRequestChipState(port PortHandle, mask AccessMask) Status
	CanFlushTransmitQueue(port PortHandle, mask AccessMask) Status
	GetSyncTime(port PortHandle) (uint64, Status)
}

// Waiter 是可选能力：在通知句柄上阻塞等待，timeout < 0 表示无限等待。
// 超时不是错误。
type Waiter interface {
	WaitForEvent(h Handle, timeout time.Duration) error
}

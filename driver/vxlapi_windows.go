//go:build windows && (amd64 || 386)

package driver

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// VxlAPI 通过 vxlapi(64).dll 调用 Vector XL Driver Library
type VxlAPI struct {
	dll *windows.LazyDLL

	openDriver            *windows.LazyProc
	closeDriver           *windows.LazyProc
	getErrorString        *windows.LazyProc
	getDriverConfig       *windows.LazyProc
	getApplConfig         *windows.LazyProc
	setApplConfig         *windows.LazyProc
	getChannelIndex       *windows.LazyProc
	popupHwConfig         *windows.LazyProc
	openPort              *windows.LazyProc
	closePort             *windows.LazyProc
	activateChannel       *windows.LazyProc
	deactivateChannel     *windows.LazyProc
	canSetChannelBitrate  *windows.LazyProc
	canSetChannelParamsC2 *windows.LazyProc
	canSetChannelParams   *windows.LazyProc
	canFdSetConfiguration *windows.LazyProc
	canSetChannelOutput   *windows.LazyProc
	canSetChannelMode     *windows.LazyProc
	canTransmit           *windows.LazyProc
	canTransmitEx         *windows.LazyProc
	receive               *windows.LazyProc
	canReceive            *windows.LazyProc
	setNotification       *windows.LazyProc
	setTimerRate          *windows.LazyProc
	canRequestChipState   *windows.LazyProc
	canFlushTransmitQueue *windows.LazyProc
	getSyncTime           *windows.LazyProc
}

var _ Driver = (*VxlAPI)(nil)
var _ Waiter = (*VxlAPI)(nil)

// dllCandidates 按顺序返回尝试加载的路径：VXLAPI_PATH、系统搜索路径、程序目录下的 DLLs 子目录
func dllCandidates() []string {
	var out []string
	if p := os.Getenv("VXLAPI_PATH"); p != "" {
		if strings.HasSuffix(strings.ToLower(p), ".dll") {
			out = append(out, p)
		} else {
			out = append(out, filepath.Join(p, vxlapiDLL))
		}
	}
	out = append(out, vxlapiDLL)
	if exe, err := os.Executable(); err == nil {
		out = append(out, filepath.Join(filepath.Dir(exe), "DLLs", dllSubdir, vxlapiDLL))
	}
	return append(out, filepath.Join(".", "DLLs", dllSubdir, vxlapiDLL))
}

// Load 加载 vxlapi 并绑定全部入口
func Load() (Driver, error) {
	var errs []string
	for _, path := range dllCandidates() {
		dll := windows.NewLazyDLL(path)
		if err := dll.Load(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		x := &VxlAPI{dll: dll}
		if err := x.bind(); err != nil {
			return nil, err
		}
		log.Printf("[xl] loaded %s", path)
		return x, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnavailable, strings.Join(errs, "; "))
}

func (x *VxlAPI) bind() error {
	procs := []struct {
		p    **windows.LazyProc
		name string
	}{
		{&x.openDriver, "xlOpenDriver"},
		{&x.closeDriver, "xlCloseDriver"},
		{&x.getErrorString, "xlGetErrorString"},
		{&x.getDriverConfig, "xlGetDriverConfig"},
		{&x.getApplConfig, "xlGetApplConfig"},
		{&x.setApplConfig, "xlSetApplConfig"},
		{&x.getChannelIndex, "xlGetChannelIndex"},
		{&x.popupHwConfig, "xlPopupHwConfig"},
		{&x.openPort, "xlOpenPort"},
		{&x.closePort, "xlClosePort"},
		{&x.activateChannel, "xlActivateChannel"},
		{&x.deactivateChannel, "xlDeactivateChannel"},
		{&x.canSetChannelBitrate, "xlCanSetChannelBitrate"},
		{&x.canSetChannelParamsC2, "xlCanSetChannelParamsC200"},
		{&x.canSetChannelParams, "xlCanSetChannelParams"},
		{&x.canFdSetConfiguration, "xlCanFdSetConfiguration"},
		{&x.canSetChannelOutput, "xlCanSetChannelOutput"},
		{&x.canSetChannelMode, "xlCanSetChannelMode"},
		{&x.canTransmit, "xlCanTransmit"},
		{&x.canTransmitEx, "xlCanTransmitEx"},
		{&x.receive, "xlReceive"},
		{&x.canReceive, "xlCanReceive"},
		{&x.setNotification, "xlSetNotification"},
		{&x.setTimerRate, "xlSetTimerRate"},
		{&x.canRequestChipState, "xlCanRequestChipState"},
		{&x.canFlushTransmitQueue, "xlCanFlushTransmitQueue"},
		{&x.getSyncTime, "xlGetSyncTime"},
	}
	for _, p := range procs {
		proc := x.dll.NewProc(p.name)
		if err := proc.Find(); err != nil {
			return fmt.Errorf("vxlapi: %s: %w", p.name, err)
		}
		*p.p = proc
	}
	return nil
}

func status(r uintptr) Status { return Status(int16(r)) }

// args 拼接参数，XLaccess 在 386 上占两个槽位
func args(port PortHandle, mask AccessMask, rest ...uintptr) []uintptr {
	a := append([]uintptr{uintptr(port)}, accessArgs(mask)...)
	return append(a, rest...)
}

func (x *VxlAPI) OpenDriver() Status {
	r, _, _ := x.openDriver.Call()
	return status(r)
}

func (x *VxlAPI) CloseDriver() Status {
	r, _, _ := x.closeDriver.Call()
	return status(r)
}

func (x *VxlAPI) GetErrorString(st Status) string {
	r, _, _ := x.getErrorString.Call(uintptr(st))
	if r == 0 {
		return st.String()
	}
	// r 指向 vxlapi 内部的静态字符串
	return windows.BytePtrToString(*(**byte)(unsafe.Pointer(&r)))
}

func (x *VxlAPI) GetDriverConfig(buf []byte) Status {
	if len(buf) < DriverConfigSize {
		return XL_ERR_WRONG_PARAMETER
	}
	r, _, _ := x.getDriverConfig.Call(uintptr(unsafe.Pointer(&buf[0])))
	return status(r)
}

func (x *VxlAPI) GetApplConfig(appName string, appChannel uint32, busType BusType) (HardwareType, uint32, uint32, Status) {
	name, err := windows.BytePtrFromString(appName)
	if err != nil {
		return XL_HWTYPE_NONE, 0, 0, XL_ERR_WRONG_PARAMETER
	}
	var hwType, hwIndex, hwChannel uint32
	r, _, _ := x.getApplConfig.Call(
		uintptr(unsafe.Pointer(name)),
		uintptr(appChannel),
		uintptr(unsafe.Pointer(&hwType)),
		uintptr(unsafe.Pointer(&hwIndex)),
		uintptr(unsafe.Pointer(&hwChannel)),
		uintptr(busType),
	)
	return HardwareType(hwType), hwIndex, hwChannel, status(r)
}

func (x *VxlAPI) SetApplConfig(appName string, appChannel uint32, hwType HardwareType, hwIndex, hwChannel uint32, busType BusType) Status {
	name, err := windows.BytePtrFromString(appName)
	if err != nil {
		return XL_ERR_WRONG_PARAMETER
	}
	r, _, _ := x.setApplConfig.Call(
		uintptr(unsafe.Pointer(name)),
		uintptr(appChannel),
		uintptr(hwType),
		uintptr(hwIndex),
		uintptr(hwChannel),
		uintptr(busType),
	)
	return status(r)
}

func (x *VxlAPI) GetChannelIndex(hwType HardwareType, hwIndex, hwChannel int) int {
	r, _, _ := x.getChannelIndex.Call(uintptr(hwType), uintptr(hwIndex), uintptr(hwChannel))
	return int(int32(r))
}

func (x *VxlAPI) PopupHwConfig(waitMs uint32) Status {
	r, _, _ := x.popupHwConfig.Call(0, uintptr(waitMs))
	return status(r)
}

func (x *VxlAPI) OpenPort(appName string, accessMask, permissionMask AccessMask, rxQueueSize uint32, version InterfaceVersion, busType BusType) (PortHandle, AccessMask, Status) {
	name, err := windows.BytePtrFromString(appName)
	if err != nil {
		return XL_INVALID_PORTHANDLE, 0, XL_ERR_WRONG_PARAMETER
	}
	port := XL_INVALID_PORTHANDLE
	perm := permissionMask
	a := []uintptr{uintptr(unsafe.Pointer(&port)), uintptr(unsafe.Pointer(name))}
	a = append(a, accessArgs(accessMask)...)
	a = append(a, uintptr(unsafe.Pointer(&perm)), uintptr(rxQueueSize), uintptr(version), uintptr(busType))
	r, _, _ := x.openPort.Call(a...)
	runtime.KeepAlive(name)
	return port, perm, status(r)
}

func (x *VxlAPI) ClosePort(port PortHandle) Status {
	r, _, _ := x.closePort.Call(uintptr(port))
	return status(r)
}

func (x *VxlAPI) ActivateChannel(port PortHandle, mask AccessMask, busType BusType, flags ActivateFlags) Status {
	r, _, _ := x.activateChannel.Call(args(port, mask, uintptr(busType), uintptr(flags))...)
	return status(r)
}

func (x *VxlAPI) DeactivateChannel(port PortHandle, mask AccessMask) Status {
	r, _, _ := x.deactivateChannel.Call(args(port, mask)...)
	return status(r)
}

func (x *VxlAPI) CanSetChannelBitrate(port PortHandle, mask AccessMask, bitrate uint32) Status {
	r, _, _ := x.canSetChannelBitrate.Call(args(port, mask, uintptr(bitrate))...)
	return status(r)
}

func (x *VxlAPI) CanSetChannelParamsC200(port PortHandle, mask AccessMask, btr0, btr1 uint8) Status {
	r, _, _ := x.canSetChannelParamsC2.Call(args(port, mask, uintptr(btr0), uintptr(btr1))...)
	return status(r)
}

func (x *VxlAPI) CanSetChannelParams(port PortHandle, mask AccessMask, params *ChipParams) Status {
	r, _, _ := x.canSetChannelParams.Call(args(port, mask, uintptr(unsafe.Pointer(params)))...)
	runtime.KeepAlive(params)
	return status(r)
}

func (x *VxlAPI) CanFdSetConfiguration(port PortHandle, mask AccessMask, conf *CanFdConf) Status {
	r, _, _ := x.canFdSetConfiguration.Call(args(port, mask, uintptr(unsafe.Pointer(conf)))...)
	runtime.KeepAlive(conf)
	return status(r)
}

func (x *VxlAPI) CanSetChannelOutput(port PortHandle, mask AccessMask, mode OutputMode) Status {
	r, _, _ := x.canSetChannelOutput.Call(args(port, mask, uintptr(mode))...)
	return status(r)
}

func (x *VxlAPI) CanSetChannelMode(port PortHandle, mask AccessMask, tx, txrq int) Status {
	r, _, _ := x.canSetChannelMode.Call(args(port, mask, uintptr(tx), uintptr(txrq))...)
	return status(r)
}

func (x *VxlAPI) CanTransmit(port PortHandle, mask AccessMask, events []Event) (uint32, Status) {
	if len(events) == 0 {
		return 0, XL_SUCCESS
	}
	count := uint32(len(events))
	r, _, _ := x.canTransmit.Call(args(port, mask, uintptr(unsafe.Pointer(&count)), uintptr(unsafe.Pointer(&events[0])))...)
	runtime.KeepAlive(events)
	return count, status(r)
}

func (x *VxlAPI) CanTransmitEx(port PortHandle, mask AccessMask, events []TxEvent) (uint32, Status) {
	if len(events) == 0 {
		return 0, XL_SUCCESS
	}
	var sent uint32
	r, _, _ := x.canTransmitEx.Call(args(port, mask, uintptr(len(events)), uintptr(unsafe.Pointer(&sent)), uintptr(unsafe.Pointer(&events[0])))...)
	runtime.KeepAlive(events)
	return sent, status(r)
}

func (x *VxlAPI) Receive(port PortHandle, ev *Event) Status {
	count := uint32(1)
	r, _, _ := x.receive.Call(uintptr(port), uintptr(unsafe.Pointer(&count)), uintptr(unsafe.Pointer(ev)))
	return status(r)
}

func (x *VxlAPI) CanReceive(port PortHandle, ev *RxEvent) Status {
	r, _, _ := x.canReceive.Call(uintptr(port), uintptr(unsafe.Pointer(ev)))
	return status(r)
}

func (x *VxlAPI) SetNotification(port PortHandle, queueLevel int) (Handle, Status) {
	var h windows.Handle
	r, _, _ := x.setNotification.Call(uintptr(port), uintptr(unsafe.Pointer(&h)), uintptr(queueLevel))
	return Handle(h), status(r)
}

func (x *VxlAPI) WaitForEvent(h Handle, timeout time.Duration) error {
	ms := uint32(windows.INFINITE)
	if timeout >= 0 {
		ms = uint32(timeout / time.Millisecond)
	}
	_, err := windows.WaitForSingleObject(windows.Handle(h), ms)
	return err
}

func (x *VxlAPI) SetTimerRate(port PortHandle, rate uint32) Status {
	r, _, _ := x.setTimerRate.Call(uintptr(port), uintptr(rate))
	return status(r)
}

func (x *VxlAPI) CanRequestChipState(port PortHandle, mask AccessMask) Status {
	r, _, _ := x.canRequestChipState.Call(args(port, mask)...)
	return status(r)
}

func (x *VxlAPI) CanFlushTransmitQueue(port PortHandle, mask AccessMask) Status {
	r, _, _ := x.canFlushTransmitQueue.Call(args(port, mask)...)
	return status(r)
}

func (x *VxlAPI) GetSyncTime(port PortHandle) (uint64, Status) {
	var t uint64
	r, _, _ := x.getSyncTime.Call(uintptr(port), uintptr(unsafe.Pointer(&t)))
	return t, status(r)
}

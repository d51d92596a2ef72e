package driver

import (
	"encoding/binary"
	"fmt"
	"log"
	"math/bits"
	"sync"
	"time"
)

// Virtual 是进程内的虚拟 XL 驱动，不依赖实际硬件，用于开发和测试。
// 它记录每一次调用，支持强制返回码、注入事件以及回环。
type Virtual struct {
	mu sync.Mutex

	config     []byte
	calls      []Call
	fail       map[string]Status
	appConfigs map[applKey]ApplConfig
	grant      *AccessMask
	chipState  ChipState
	echo       bool

	driverOpen int
	nextPort   PortHandle
	ports      map[PortHandle]*virtualPort

	classic []Event
	fd      []RxEvent
	notify  chan struct{}
	start   time.Time

	timerStop chan struct{}
}

type virtualPort struct {
	mask      AccessMask
	version   InterfaceVersion
	active    bool
	txReceipt bool
}

// Call 记录一次驱动调用，Name 为 vxlapi 函数名
type Call struct {
	Name string
	Args []any
}

type applKey struct {
	app     string
	channel uint32
	busType BusType
}

// ApplConfig 是 "应用名 + 应用通道" 对应的硬件通道
type ApplConfig struct {
	HwType    HardwareType
	HwIndex   uint32
	HwChannel uint32
}

// NewVirtual 创建带 n 个虚拟 CAN-FD 通道的驱动
func NewVirtual(n int) *Virtual {
	return NewVirtualWithConfig(VirtualDriverConfig(n))
}

// NewVirtualWithConfig 使用给定的 XLdriverConfig 原始字节
func NewVirtualWithConfig(raw []byte) *Virtual {
	cfg := make([]byte, DriverConfigSize)
	copy(cfg, raw)
	return &Virtual{
		config:     cfg,
		fail:       make(map[string]Status),
		appConfigs: make(map[applKey]ApplConfig),
		chipState:  ChipState{BusStatus: XL_CHIPSTAT_ERROR_ACTIVE},
		nextPort:   1,
		ports:      make(map[PortHandle]*virtualPort),
		notify:     make(chan struct{}, 1),
		start:      time.Now(),
	}
}

// VirtualDriverConfig 生成 n 个 "Virtual Channel" 记录的 XLdriverConfig
func VirtualDriverConfig(n int) []byte {
	if n > XL_CONFIG_MAX_CHANNELS {
		n = XL_CONFIG_MAX_CHANNELS
	}
	buf := make([]byte, DriverConfigSize)
	le := binary.LittleEndian
	le.PutUint32(buf[OffDllVersion:], 0x141e000e)
	le.PutUint32(buf[OffChannelCount:], uint32(n))
	for i := 0; i < n; i++ {
		rec := buf[DriverConfigHeaderSize+i*ChannelConfigSize:][:ChannelConfigSize]
		PutCString(rec[OffName:OffName+XL_MAX_LENGTH+1], fmt.Sprintf("Virtual Channel %d", i+1))
		rec[OffHwType] = uint8(XL_HWTYPE_VIRTUAL)
		rec[OffHwIndex] = 0
		rec[OffHwChannel] = uint8(i)
		rec[OffChannelIndex] = uint8(i)
		le.PutUint64(rec[OffChannelMask:], 1<<uint(i))
		le.PutUint32(rec[OffChannelCapabilities:], XL_CHANNEL_FLAG_CANFD_ISO_SUPPORT|XL_CHANNEL_FLAG_CANFD_BOSCH_SUPPORT|0x7)
		le.PutUint32(rec[OffChannelBusCaps:], XL_BUS_ACTIVE_CAP_CAN|XL_BUS_COMPATIBLE_CAN)
		bp := rec[OffBusParams : OffBusParams+BusParamsSize]
		le.PutUint32(bp[OffBPBusType:], uint32(XL_BUS_TYPE_CAN))
		can := bp[OffBPData:]
		le.PutUint32(can[OffCanBitRate:], 500_000)
		can[OffCanSJW], can[OffCanTseg1], can[OffCanTseg2], can[OffCanSam] = 1, 4, 3, 1
		can[OffCanOutputMode] = uint8(XL_OUTPUT_MODE_NORMAL)
		can[OffCanOpMode] = XL_BUS_PARAMS_CANOPMODE_CAN20
		le.PutUint32(rec[OffInterfaceVersion:], uint32(XL_INTERFACE_VERSION_V4))
		PutCString(rec[OffTransceiverName:OffTransceiverName+XL_MAX_LENGTH+1], "Virtual CAN")
	}
	return buf
}

var _ Driver = (*Virtual)(nil)
var _ Waiter = (*Virtual)(nil)

// ============================================================================
// 测试辅助方法
// ============================================================================

// Fail 让之后对 name 的调用都返回 st，st 为 XL_SUCCESS 时取消
func (v *Virtual) Fail(name string, st Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if st == XL_SUCCESS {
		delete(v.fail, name)
		return
	}
	v.fail[name] = st
}

// SetEcho 打开后，发送的报文会作为接收报文回到队列 (模拟总线上另一个节点的回显)
func (v *Virtual) SetEcho(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.echo = on
}

// SetGrantMask 限制 OpenPort 授予的初始化权限
func (v *Virtual) SetGrantMask(m AccessMask) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.grant = &m
}

// SetChipState 设置 xlCanRequestChipState 上报的状态
func (v *Virtual) SetChipState(s ChipState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.chipState = s
}

// PushEvent 注入一个经典 ABI 事件
func (v *Virtual) PushEvent(ev Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.classic = append(v.classic, ev)
	v.signal()
}

// PushRxEvent 注入一个 CAN-FD ABI 事件
func (v *Virtual) PushRxEvent(ev RxEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fd = append(v.fd, ev)
	v.signal()
}

// Calls 返回全部调用记录的副本
func (v *Virtual) Calls() []Call {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Call(nil), v.calls...)
}

// CallsTo 返回对 name 的调用记录
func (v *Virtual) CallsTo(name string) []Call {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []Call
	for _, c := range v.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func (v *Virtual) Called(name string) bool {
	return len(v.CallsTo(name)) > 0
}

// ClearCalls 清除调用记录
func (v *Virtual) ClearCalls() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = nil
}

// DriverOpenCount 返回 OpenDriver 尚未配对 CloseDriver 的次数
func (v *Virtual) DriverOpenCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.driverOpen
}

// Pending 返回两个队列中尚未取走的事件数
func (v *Virtual) Pending() (classic, fd int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.classic), len(v.fd)
}

// ============================================================================
// Driver 实现
// ============================================================================

// record 必须在持锁时调用
func (v *Virtual) record(name string, args ...any) Status {
	v.calls = append(v.calls, Call{Name: name, Args: args})
	if st, ok := v.fail[name]; ok {
		return st
	}
	return XL_SUCCESS
}

func (v *Virtual) signal() {
	select {
	case v.notify <- struct{}{}:
	default:
	}
}

func (v *Virtual) now() uint64 { return uint64(time.Since(v.start)) }

func (v *Virtual) OpenDriver() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.record("xlOpenDriver")
	if st == XL_SUCCESS {
		v.driverOpen++
	}
	return st
}

func (v *Virtual) CloseDriver() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.record("xlCloseDriver")
	if st == XL_SUCCESS && v.driverOpen > 0 {
		v.driverOpen--
	}
	if v.driverOpen == 0 {
		v.stopTimer()
	}
	return st
}

func (v *Virtual) GetErrorString(st Status) string { return st.String() }

func (v *Virtual) GetDriverConfig(buf []byte) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.record("xlGetDriverConfig")
	if st != XL_SUCCESS {
		return st
	}
	if len(buf) < DriverConfigSize {
		return XL_ERR_WRONG_PARAMETER
	}
	copy(buf, v.config)
	return XL_SUCCESS
}

// SetAppConfig 预置应用配置，不记录调用
func (v *Virtual) SetAppConfig(app string, appChannel uint32, cfg ApplConfig) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.appConfigs[applKey{app, appChannel, XL_BUS_TYPE_CAN}] = cfg
}

func (v *Virtual) GetApplConfig(appName string, appChannel uint32, busType BusType) (HardwareType, uint32, uint32, Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.record("xlGetApplConfig", appName, appChannel, busType)
	if st != XL_SUCCESS {
		return XL_HWTYPE_NONE, 0, 0, st
	}
	if cfg, ok := v.appConfigs[applKey{appName, appChannel, busType}]; ok {
		return cfg.HwType, cfg.HwIndex, cfg.HwChannel, XL_SUCCESS
	}
	// 未配置的应用通道映射到同号虚拟通道
	return XL_HWTYPE_VIRTUAL, 0, appChannel, XL_SUCCESS
}

func (v *Virtual) SetApplConfig(appName string, appChannel uint32, hwType HardwareType, hwIndex, hwChannel uint32, busType BusType) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.record("xlSetApplConfig", appName, appChannel, hwType, hwIndex, hwChannel, busType)
	if st == XL_SUCCESS {
		v.appConfigs[applKey{appName, appChannel, busType}] = ApplConfig{hwType, hwIndex, hwChannel}
	}
	return st
}

func (v *Virtual) GetChannelIndex(hwType HardwareType, hwIndex, hwChannel int) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("xlGetChannelIndex", hwType, hwIndex, hwChannel)
	count := int(binary.LittleEndian.Uint32(v.config[OffChannelCount:]))
	for i := 0; i < count && i < XL_CONFIG_MAX_CHANNELS; i++ {
		rec := v.config[DriverConfigHeaderSize+i*ChannelConfigSize:]
		if HardwareType(rec[OffHwType]) == hwType && int(rec[OffHwIndex]) == hwIndex && int(rec[OffHwChannel]) == hwChannel {
			return int(rec[OffChannelIndex])
		}
	}
	return -1
}

func (v *Virtual) PopupHwConfig(waitMs uint32) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.record("xlPopupHwConfig", waitMs)
}

func (v *Virtual) OpenPort(appName string, accessMask, permissionMask AccessMask, rxQueueSize uint32, version InterfaceVersion, busType BusType) (PortHandle, AccessMask, Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.record("xlOpenPort", appName, accessMask, permissionMask, rxQueueSize, version, busType)
	if st != XL_SUCCESS {
		return XL_INVALID_PORTHANDLE, 0, st
	}
	granted := permissionMask & accessMask
	if v.grant != nil {
		granted &= *v.grant
	}
	port := v.nextPort
	v.nextPort++
	v.ports[port] = &virtualPort{mask: accessMask, version: version}
	log.Printf("[virtual] port %d opened, app=%q mask=0x%X init=0x%X", port, appName, uint64(accessMask), uint64(granted))
	return port, granted, XL_SUCCESS
}

func (v *Virtual) ClosePort(port PortHandle) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.record("xlClosePort", port)
	if st != XL_SUCCESS {
		return st
	}
	if _, ok := v.ports[port]; !ok {
		return XL_ERR_INVALID_PORT
	}
	delete(v.ports, port)
	return XL_SUCCESS
}

func (v *Virtual) ActivateChannel(port PortHandle, mask AccessMask, busType BusType, flags ActivateFlags) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.record("xlActivateChannel", port, mask, busType, flags)
	if p, ok := v.ports[port]; ok && st == XL_SUCCESS {
		p.active = true
	}
	return st
}

func (v *Virtual) DeactivateChannel(port PortHandle, mask AccessMask) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.record("xlDeactivateChannel", port, mask)
	if p, ok := v.ports[port]; ok && st == XL_SUCCESS {
		p.active = false
	}
	return st
}

func (v *Virtual) CanSetChannelBitrate(port PortHandle, mask AccessMask, bitrate uint32) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.record("xlCanSetChannelBitrate", port, mask, bitrate)
}

func (v *Virtual) CanSetChannelParamsC200(port PortHandle, mask AccessMask, btr0, btr1 uint8) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.record("xlCanSetChannelParamsC200", port, mask, btr0, btr1)
}

func (v *Virtual) CanSetChannelParams(port PortHandle, mask AccessMask, params *ChipParams) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.record("xlCanSetChannelParams", port, mask, *params)
}

func (v *Virtual) CanFdSetConfiguration(port PortHandle, mask AccessMask, conf *CanFdConf) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.record("xlCanFdSetConfiguration", port, mask, *conf)
}

func (v *Virtual) CanSetChannelOutput(port PortHandle, mask AccessMask, mode OutputMode) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.record("xlCanSetChannelOutput", port, mask, mode)
}

func (v *Virtual) CanSetChannelMode(port PortHandle, mask AccessMask, tx, txrq int) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.record("xlCanSetChannelMode", port, mask, tx, txrq)
	if p, ok := v.ports[port]; ok && st == XL_SUCCESS {
		p.txReceipt = tx != 0
	}
	return st
}

func (v *Virtual) CanTransmit(port PortHandle, mask AccessMask, events []Event) (uint32, Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	evs := append([]Event(nil), events...)
	st := v.record("xlCanTransmit", port, mask, evs)
	if st != XL_SUCCESS {
		return 0, st
	}
	p, ok := v.ports[port]
	if !ok {
		return 0, XL_ERR_INVALID_PORT
	}
	for _, ev := range evs {
		msg := ev.Msg()
		flush := msg.Flags&(XL_CAN_MSG_FLAG_OVERRUN|XL_CAN_MSG_FLAG_WAKEUP) == XL_CAN_MSG_FLAG_OVERRUN|XL_CAN_MSG_FLAG_WAKEUP
		if !flush {
			log.Printf("[virtual] TX CAN  : ID=0x%03X, DLC=%02d, Data=%s", msg.ID&^XL_CAN_EXT_MSG_ID, msg.DLC, FormatData(msg.Data[:min(int(msg.DLC), MAX_MSG_LEN)]))
		}
		for idx := range maskBits(mask) {
			switch {
			case flush && p.txReceipt:
				// 硬件开启回执时确认帧以 RECEIVE_MSG|TX_COMPLETED 返回
				v.classic = append(v.classic, v.classicEcho(msg, idx, XL_CAN_MSG_FLAG_TX_COMPLETED))
			case flush:
				out := ev
				out.ChanIndex = idx
				out.TimeStamp = v.now()
				v.classic = append(v.classic, out)
			case p.txReceipt:
				v.classic = append(v.classic, v.classicEcho(msg, idx, XL_CAN_MSG_FLAG_TX_COMPLETED))
			case v.echo:
				v.classic = append(v.classic, v.classicEcho(msg, idx, 0))
			}
		}
	}
	v.signal()
	return uint32(len(evs)), XL_SUCCESS
}

func (v *Virtual) classicEcho(msg CanMsg, idx uint8, extra MessageFlags) Event {
	out := Event{Tag: XL_RECEIVE_MSG, ChanIndex: idx, TimeStamp: v.now()}
	msg.Flags |= extra
	out.SetMsg(msg)
	return out
}

func (v *Virtual) CanTransmitEx(port PortHandle, mask AccessMask, events []TxEvent) (uint32, Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	evs := append([]TxEvent(nil), events...)
	st := v.record("xlCanTransmitEx", port, mask, evs)
	if st != XL_SUCCESS {
		return 0, st
	}
	p, ok := v.ports[port]
	if !ok {
		return 0, XL_ERR_INVALID_PORT
	}
	for _, ev := range evs {
		flush := ev.Msg.MsgFlags&XL_CAN_TXMSG_FLAG_HIGHPRIO != 0 && ev.Msg.DLC == 0
		if !flush {
			n := DLCToLen(ev.Msg.DLC)
			log.Printf("[virtual] TX CANFD: ID=0x%03X, DLC=%02d, Data=%s", ev.Msg.CanID&^XL_CAN_EXT_MSG_ID, n, FormatData(ev.Msg.Data[:n]))
		}
		for idx := range maskBits(mask) {
			switch {
			case flush || p.txReceipt:
				v.fd = append(v.fd, v.fdEcho(ev.Msg, idx, XL_CAN_EV_TAG_TX_OK))
			case v.echo:
				v.fd = append(v.fd, v.fdEcho(ev.Msg, idx, XL_CAN_EV_TAG_RX_OK))
			}
		}
	}
	v.signal()
	return uint32(len(evs)), XL_SUCCESS
}

func (v *Virtual) fdEcho(tx TxMsg, idx uint8, tag FDEventTag) RxEvent {
	var flags RxMessageFlags
	if tx.MsgFlags&XL_CAN_TXMSG_FLAG_EDL != 0 {
		flags |= XL_CAN_RXMSG_FLAG_EDL
	}
	if tx.MsgFlags&XL_CAN_TXMSG_FLAG_BRS != 0 {
		flags |= XL_CAN_RXMSG_FLAG_BRS
	}
	if tx.MsgFlags&XL_CAN_TXMSG_FLAG_RTR != 0 {
		flags |= XL_CAN_RXMSG_FLAG_RTR
	}
	out := RxEvent{Size: 128, Tag: tag, ChanIndex: uint16(idx), TimeStampSync: v.now()}
	out.SetMsg(RxMsg{CanID: tx.CanID, MsgFlags: flags, DLC: tx.DLC, Data: tx.Data})
	return out
}

func (v *Virtual) Receive(port PortHandle, ev *Event) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	if st, ok := v.fail["xlReceive"]; ok {
		return st
	}
	if len(v.classic) == 0 {
		return XL_ERR_QUEUE_IS_EMPTY
	}
	*ev = v.classic[0]
	v.classic = v.classic[1:]
	return XL_SUCCESS
}

func (v *Virtual) CanReceive(port PortHandle, ev *RxEvent) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	if st, ok := v.fail["xlCanReceive"]; ok {
		return st
	}
	if len(v.fd) == 0 {
		return XL_ERR_QUEUE_IS_EMPTY
	}
	*ev = v.fd[0]
	v.fd = v.fd[1:]
	return XL_SUCCESS
}

func (v *Virtual) SetNotification(port PortHandle, queueLevel int) (Handle, Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.record("xlSetNotification", port, queueLevel)
	if st != XL_SUCCESS {
		return 0, st
	}
	return Handle(port), XL_SUCCESS
}

// WaitForEvent 在有事件入队或超时后返回
func (v *Virtual) WaitForEvent(h Handle, timeout time.Duration) error {
	v.mu.Lock()
	pending := len(v.classic) > 0 || len(v.fd) > 0
	v.mu.Unlock()
	if pending {
		return nil
	}
	if timeout < 0 {
		<-v.notify
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-v.notify:
	case <-t.C:
	}
	return nil
}

func (v *Virtual) SetTimerRate(port PortHandle, rate uint32) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.record("xlSetTimerRate", port, rate)
	if st != XL_SUCCESS {
		return st
	}
	v.stopTimer()
	// 定时事件只出现在经典 ABI 队列
	if p, ok := v.ports[port]; !ok || rate == 0 || p.version >= XL_INTERFACE_VERSION_V4 {
		return XL_SUCCESS
	}
	stop := make(chan struct{})
	v.timerStop = stop
	go v.runTimer(time.Duration(rate)*10*time.Microsecond, stop)
	return XL_SUCCESS
}

// stopTimer 必须在持锁时调用
func (v *Virtual) stopTimer() {
	if v.timerStop != nil {
		close(v.timerStop)
		v.timerStop = nil
	}
}

func (v *Virtual) runTimer(period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			v.mu.Lock()
			v.classic = append(v.classic, Event{Tag: XL_TIMER, TimeStamp: v.now()})
			v.signal()
			v.mu.Unlock()
		}
	}
}

func (v *Virtual) CanRequestChipState(port PortHandle, mask AccessMask) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.record("xlCanRequestChipState", port, mask)
	if st != XL_SUCCESS {
		return st
	}
	p, ok := v.ports[port]
	if !ok {
		return XL_ERR_INVALID_PORT
	}
	for idx := range maskBits(mask) {
		if p.version >= XL_INTERFACE_VERSION_V4 {
			ev := RxEvent{Size: 128, Tag: XL_CAN_EV_TAG_CHIP_STATE, ChanIndex: uint16(idx), TimeStampSync: v.now()}
			ev.SetChipState(v.chipState)
			v.fd = append(v.fd, ev)
		} else {
			ev := Event{Tag: XL_CHIP_STATE, ChanIndex: idx, TimeStamp: v.now()}
			ev.SetChipState(v.chipState)
			v.classic = append(v.classic, ev)
		}
	}
	v.signal()
	return XL_SUCCESS
}

func (v *Virtual) CanFlushTransmitQueue(port PortHandle, mask AccessMask) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.record("xlCanFlushTransmitQueue", port, mask)
}

func (v *Virtual) GetSyncTime(port PortHandle) (uint64, Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.record("xlGetSyncTime", port)
	return v.now(), st
}

// maskBits 按从低到高的顺序产生掩码中的置位索引
func maskBits(mask AccessMask) func(yield func(uint8) bool) {
	return func(yield func(uint8) bool) {
		m := uint64(mask)
		for m != 0 {
			i := bits.TrailingZeros64(m)
			if !yield(uint8(i)) {
				return
			}
			m &= m - 1
		}
	}
}

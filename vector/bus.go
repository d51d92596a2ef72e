package vector

import (
	"fmt"
	"log"
	"math/bits"
	"time"

	"github.com/LoveWonYoung/vxlcan/driver"
)

const (
	DefaultRxQueueSize  = 1 << 14
	DefaultPollInterval = 10 * time.Millisecond
)

// Options 描述要打开的总线
type Options struct {
	// AppName 非空时逻辑通道号按 Vector Hardware Config 的应用配置映射到硬件通道
	AppName      string
	Channels     []int
	ChannelIndex *int
	Mask         uint64
	Serial       *uint32

	Config BusConfig

	// RxQueueSize 必须是 2 的幂，0 表示默认值
	RxQueueSize uint32
	// TimerRate 大于 0 时激活后设置周期定时事件，单位 ms
	TimerRate int
	// PollInterval 是驱动不支持事件句柄时 Recv 的轮询间隔
	PollInterval time.Duration

	OnEvent   func(Notification)
	OnFDEvent func(Notification)
}

func (o Options) selector() Selector {
	return Selector{Channels: o.Channels, ChannelIndex: o.ChannelIndex, Mask: o.Mask, Serial: o.Serial, AppName: o.AppName}
}

// Bus 是打开后的 CAN/CAN-FD 总线。不是并发安全的。
type Bus struct {
	port   *Port
	opts   Options
	sel    ChannelSelection
	notify driver.Handle
	waiter driver.Waiter
	demux  demuxer
}

// Open 依次完成参数构建、打开驱动、解析通道、打开端口、配置、激活。
// 端口打开后任一步失败都会先关闭总线再返回错误。
func Open(drv driver.Driver, opts Options) (*Bus, error) {
	block, err := BuildParams(opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.RxQueueSize == 0 {
		opts.RxQueueSize = DefaultRxQueueSize
	}
	if bits.OnesCount32(opts.RxQueueSize) != 1 {
		return nil, ConfigurationError{Field: "rx_queue_size", Msg: fmt.Sprintf("%d is not a power of two", opts.RxQueueSize)}
	}
	if opts.TimerRate < 0 {
		return nil, ConfigurationError{Field: "timer_rate", Msg: fmt.Sprintf("%d ms is negative", opts.TimerRate)}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	port := NewPort(drv)
	if err := port.OpenDriver(); err != nil {
		return nil, err
	}
	b := &Bus{port: port, opts: opts}
	if err := b.open(block); err != nil {
		b.Shutdown()
		return nil, err
	}
	return b, nil
}

func (b *Bus) open(block ParamBlock) error {
	drv := b.port.drv
	var reg *Registry
	if b.opts.Serial != nil {
		var err error
		if reg, err = readRegistry(drv); err != nil {
			return err
		}
	}
	sel, err := Resolve(b.opts.selector(), drv, reg)
	if err != nil {
		return err
	}
	b.sel = sel
	fd := b.opts.Config.FD
	if err := b.port.Open(b.opts.AppName, sel.Mask, b.opts.RxQueueSize, fd); err != nil {
		return err
	}
	if err := b.port.Configure(block, b.opts.Config.Output); err != nil {
		return err
	}
	if b.notify, err = b.port.SetNotification(1); err != nil {
		return err
	}
	if w, ok := drv.(driver.Waiter); ok {
		b.waiter = w
	}
	if err := b.port.Activate(); err != nil {
		return err
	}
	sync, err := b.port.SyncTime()
	if err != nil {
		return err
	}
	b.demux = demuxer{
		sel:       sel,
		base:      time.Now().Add(-sync),
		fd:        fd,
		loopback:  b.opts.Config.Output == OutputLoopback,
		onEvent:   b.opts.OnEvent,
		onFDEvent: b.opts.OnFDEvent,
	}
	if b.opts.TimerRate > 0 {
		if err := b.port.SetTimerRate(b.opts.TimerRate); err != nil {
			return err
		}
	}
	log.Printf("[vector] bus active on channels %v (mask 0x%X, %s, %s)", sel.Channels(), sel.Mask, b.protocol(), b.opts.Config.Output)
	return nil
}

func (b *Bus) protocol() string {
	if b.port.fd {
		return "CAN FD"
	}
	return "CAN 2.0"
}

func (b *Bus) Channels() []int                   { return b.sel.Channels() }
func (b *Bus) Selection() ChannelSelection       { return b.sel }
func (b *Bus) Mask() uint64                      { return b.sel.Mask }
func (b *Bus) PermissionMask() driver.AccessMask { return b.port.permission }
func (b *Bus) FD() bool                          { return b.port.fd }
func (b *Bus) State() PortState                  { return b.port.state }
func (b *Bus) Output() OutputMode                { return b.opts.Config.Output }

// Send 发送一帧。Channel 属于本总线时只发往该通道，AllChannels 或其他通道号发往全部通道。
func (b *Bus) Send(f Frame) error {
	mask := b.sel.Mask
	if m, ok := b.sel.MaskForChannel(f.Channel); ok {
		mask = m
	}
	_, err := b.transmit(driver.AccessMask(mask), []Frame{f})
	return err
}

// SendSequence 把多帧一次交给驱动，发往全部通道，返回驱动接受的帧数
func (b *Bus) SendSequence(frames []Frame) (int, error) {
	if len(frames) == 0 {
		return 0, nil
	}
	return b.transmit(driver.AccessMask(b.sel.Mask), frames)
}

func (b *Bus) transmit(mask driver.AccessMask, frames []Frame) (int, error) {
	for _, f := range frames {
		if err := f.Validate(); err != nil {
			return 0, err
		}
		if f.FD && !b.port.fd {
			return 0, ConfigurationError{Field: "frame", Msg: "CAN FD frame on a classic CAN bus"}
		}
	}
	op := "xlCanTransmit"
	if b.port.fd {
		op = "xlCanTransmitEx"
	}
	if err := b.port.requireOpen(op); err != nil {
		return 0, err
	}
	drv, h := b.port.drv, b.port.handle
	var (
		n  uint32
		st driver.Status
	)
	if b.port.fd {
		evs := make([]driver.TxEvent, len(frames))
		for i, f := range frames {
			evs[i] = buildTxEvent(f)
		}
		n, st = drv.CanTransmitEx(h, mask, evs)
	} else {
		evs := make([]driver.Event, len(frames))
		for i, f := range frames {
			evs[i] = buildEvent(f)
		}
		n, st = drv.CanTransmit(h, mask, evs)
	}
	if st != driver.XL_SUCCESS {
		return int(n), b.port.errorf(st, op, KindOperation)
	}
	return int(n), nil
}

func buildEvent(f Frame) driver.Event {
	id := f.ID
	if f.Extended {
		id |= driver.XL_CAN_EXT_MSG_ID
	}
	var flags driver.MessageFlags
	if f.Remote {
		flags |= driver.XL_CAN_MSG_FLAG_REMOTE_FRAME
	}
	msg := driver.CanMsg{ID: id, Flags: flags, DLC: uint16(len(f.Data))}
	copy(msg.Data[:], f.Data)
	ev := driver.Event{Tag: driver.XL_TRANSMIT_MSG}
	ev.SetMsg(msg)
	return ev
}

func buildTxEvent(f Frame) driver.TxEvent {
	id := f.ID
	if f.Extended {
		id |= driver.XL_CAN_EXT_MSG_ID
	}
	var flags driver.TxMessageFlags
	if f.FD {
		flags |= driver.XL_CAN_TXMSG_FLAG_EDL
		if f.BitrateSwitch {
			flags |= driver.XL_CAN_TXMSG_FLAG_BRS
		}
	}
	if f.Remote {
		flags |= driver.XL_CAN_TXMSG_FLAG_RTR
	}
	ev := driver.TxEvent{Tag: driver.XL_CAN_EV_TAG_TX_MSG}
	ev.Msg = driver.TxMsg{CanID: id, MsgFlags: flags, DLC: driver.LenToDLC(len(f.Data))}
	copy(ev.Msg.Data[:], f.Data)
	return ev
}

// FlushTxBuffer 发送一个合成的高优先级确认帧，驱动发出它时之前排队的报文都已发送
func (b *Bus) FlushTxBuffer() error {
	op := "xlCanTransmit"
	if b.port.fd {
		op = "xlCanTransmitEx"
	}
	if err := b.port.requireOpen(op); err != nil {
		return err
	}
	drv, h, mask := b.port.drv, b.port.handle, b.port.mask
	var st driver.Status
	if b.port.fd {
		ev := driver.TxEvent{Tag: driver.XL_CAN_EV_TAG_TX_MSG}
		ev.Msg.MsgFlags = driver.XL_CAN_TXMSG_FLAG_HIGHPRIO
		_, st = drv.CanTransmitEx(h, mask, []driver.TxEvent{ev})
	} else {
		ev := driver.Event{Tag: driver.XL_TRANSMIT_MSG}
		ev.SetMsg(driver.CanMsg{Flags: driver.XL_CAN_MSG_FLAG_OVERRUN | driver.XL_CAN_MSG_FLAG_WAKEUP})
		_, st = drv.CanTransmit(h, mask, []driver.Event{ev})
	}
	if st != driver.XL_SUCCESS {
		return b.port.errorf(st, op, KindOperation)
	}
	// 开启发送回执时确认帧会回到接收队列，Recv 需要把它丢掉
	b.demux.expectFlush(uint64(mask))
	return nil
}

// DiscardTxQueue 丢弃驱动发送队列中尚未发出的报文
func (b *Bus) DiscardTxQueue() error { return b.port.FlushTransmitQueue() }

// Recv 等待一帧报文。timeout < 0 一直等待，0 只查询一次，> 0 最多等待 timeout。
// 超时返回 nil, nil；队列为空不是错误。每次唤醒最多取一个事件，
// 通知事件交给 OnEvent / OnFDEvent，不作为报文返回。
func (b *Bus) Recv(timeout time.Duration) (*Frame, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		ev, ok, err := b.receiveOne()
		if err != nil {
			return nil, err
		}
		if ok {
			if f, isFrame := b.demux.dispatch(ev); isFrame {
				return &f, nil
			}
		}

		wait := time.Duration(-1)
		if timeout >= 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return nil, nil
			}
		}
		if b.waiter != nil {
			if err := b.waiter.WaitForEvent(b.notify, wait); err != nil {
				return nil, fmt.Errorf("wait for driver event: %w", err)
			}
			continue
		}
		if wait < 0 || wait > b.opts.PollInterval {
			wait = b.opts.PollInterval
		}
		time.Sleep(wait)
	}
}

func (b *Bus) receiveOne() (rawEvent, bool, error) {
	drv, h := b.port.drv, b.port.handle
	if b.port.fd {
		if err := b.port.requireOpen("xlCanReceive"); err != nil {
			return nil, false, err
		}
		var ev driver.RxEvent
		switch st := drv.CanReceive(h, &ev); st {
		case driver.XL_SUCCESS:
			return decodeFD(&ev), true, nil
		case driver.XL_ERR_QUEUE_IS_EMPTY:
			return nil, false, nil
		default:
			return nil, false, b.port.errorf(st, "xlCanReceive", KindOperation)
		}
	}
	if err := b.port.requireOpen("xlReceive"); err != nil {
		return nil, false, err
	}
	var ev driver.Event
	switch st := drv.Receive(h, &ev); st {
	case driver.XL_SUCCESS:
		return decodeClassic(&ev), true, nil
	case driver.XL_ERR_QUEUE_IS_EMPTY:
		return nil, false, nil
	default:
		return nil, false, b.port.errorf(st, "xlReceive", KindOperation)
	}
}

// Reset 去激活后重新激活所有通道
func (b *Bus) Reset() error {
	// 停用通道会清空驱动队列，未收到的确认帧回执不会再来
	b.demux.flushes = nil
	return b.port.Reset()
}

// SetTimerRate 设置周期定时事件 (TimerTick)，ms 为 0 时关闭
func (b *Bus) SetTimerRate(ms int) error { return b.port.SetTimerRate(ms) }

// RequestChipState 请求各通道上报 BusState
func (b *Bus) RequestChipState() error { return b.port.RequestChipState() }

// Shutdown 关闭总线，可重复调用
func (b *Bus) Shutdown() {
	if b.port.state == StateClosed && b.port.handle == driver.XL_INVALID_PORTHANDLE && !b.port.driverOpen {
		return
	}
	b.port.Shutdown()
	log.Printf("[vector] bus shut down")
}

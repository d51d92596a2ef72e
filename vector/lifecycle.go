package vector

import (
	"fmt"
	"log"
	"time"

	"github.com/LoveWonYoung/vxlcan/driver"
)

// PortState 是端口生命周期状态
type PortState int

const (
	StateClosed PortState = iota
	StateOpened
	StateConfigured
	StateActivated
	StateDeactivated
)

var portStateNames = [...]string{"closed", "opened", "configured", "activated", "deactivated"}

func (s PortState) String() string {
	if s >= 0 && int(s) < len(portStateNames) {
		return portStateNames[s]
	}
	return fmt.Sprintf("PortState(%d)", int(s))
}

// Port 持有一个 XL 端口句柄和它的通道掩码，负责
// open -> configure -> activate -> deactivate -> close 的顺序。
// 不是并发安全的。
type Port struct {
	drv        driver.Driver
	handle     driver.PortHandle
	mask       driver.AccessMask
	permission driver.AccessMask
	fd         bool
	state      PortState
	driverOpen bool
}

func NewPort(drv driver.Driver) *Port {
	return &Port{drv: drv, handle: driver.XL_INVALID_PORTHANDLE}
}

func (p *Port) State() PortState                  { return p.state }
func (p *Port) Handle() driver.PortHandle         { return p.handle }
func (p *Port) Mask() driver.AccessMask           { return p.mask }
func (p *Port) PermissionMask() driver.AccessMask { return p.permission }
func (p *Port) FD() bool                          { return p.fd }
func (p *Port) Driver() driver.Driver             { return p.drv }

func (p *Port) errorf(st driver.Status, op string, kind Kind) error {
	return statusError(p.drv, st, op, kind)
}

// OpenDriver 打开驱动，Shutdown 时对应关闭
func (p *Port) OpenDriver() error {
	if p.driverOpen {
		return nil
	}
	if st := p.drv.OpenDriver(); st != driver.XL_SUCCESS {
		return p.errorf(st, "xlOpenDriver", KindInitialization)
	}
	p.driverOpen = true
	return nil
}

// Open 获取端口句柄。请求 mask 上全部通道的初始化权限，
// 实际获得的权限由驱动决定，见 PermissionMask。
func (p *Port) Open(appName string, mask uint64, rxQueueSize uint32, fd bool) error {
	if p.state != StateClosed {
		return fmt.Errorf("port already %s", p.state)
	}
	version := driver.XL_INTERFACE_VERSION
	if fd {
		version = driver.XL_INTERFACE_VERSION_V4
	}
	am := driver.AccessMask(mask)
	handle, granted, st := p.drv.OpenPort(appName, am, am, rxQueueSize, version, driver.XL_BUS_TYPE_CAN)
	if st != driver.XL_SUCCESS {
		return p.errorf(st, "xlOpenPort", KindInitialization)
	}
	p.handle = handle
	p.mask = am
	p.permission = granted
	p.fd = fd
	p.state = StateOpened
	log.Printf("[vector] port %d opened, mask=0x%X, init access=0x%X, fd=%v", handle, mask, uint64(granted), fd)
	return nil
}

// Configure 下发参数块和输出模式。只作用于拥有初始化权限的通道，
// 没有权限的通道保持其他程序设置的参数。block 为 nil 时只设置输出模式。
func (p *Port) Configure(block ParamBlock, output OutputMode) error {
	if p.state != StateOpened {
		return fmt.Errorf("cannot configure a %s port", p.state)
	}
	cfgMask := p.mask & p.permission
	if missing := p.mask &^ p.permission; missing != 0 && (block != nil || output != OutputNormal) {
		log.Printf("[vector] WARNING: no init access for channel mask 0x%X, bus parameters not applied there", uint64(missing))
	}
	if cfgMask != 0 {
		if block != nil {
			if st := block.apply(p.drv, p.handle, cfgMask); st != driver.XL_SUCCESS {
				return p.errorf(st, block.Operation(), KindInitialization)
			}
		}
		if st := p.drv.CanSetChannelOutput(p.handle, cfgMask, output.driverMode()); st != driver.XL_SUCCESS {
			return p.errorf(st, "xlCanSetChannelOutput", KindInitialization)
		}
		if output == OutputLoopback {
			// tx=1: 本节点发送成功的报文也放入接收队列
			if st := p.drv.CanSetChannelMode(p.handle, cfgMask, 1, 0); st != driver.XL_SUCCESS {
				return p.errorf(st, "xlCanSetChannelMode", KindInitialization)
			}
		}
	}
	p.state = StateConfigured
	return nil
}

// SetNotification 返回接收队列非空时置位的事件句柄
func (p *Port) SetNotification(queueLevel int) (driver.Handle, error) {
	h, st := p.drv.SetNotification(p.handle, queueLevel)
	if st != driver.XL_SUCCESS {
		return 0, p.errorf(st, "xlSetNotification", KindInitialization)
	}
	return h, nil
}

// Activate 使能通道，同时复位时间戳
func (p *Port) Activate() error {
	if p.state != StateConfigured && p.state != StateDeactivated {
		return fmt.Errorf("cannot activate a %s port", p.state)
	}
	st := p.drv.ActivateChannel(p.handle, p.mask, driver.XL_BUS_TYPE_CAN, driver.XL_ACTIVATE_RESET_CLOCK)
	if st != driver.XL_SUCCESS {
		return p.errorf(st, "xlActivateChannel", KindInitialization)
	}
	p.state = StateActivated
	return nil
}

// SyncTime 读取驱动的同步时间，用作接收时间戳的基准
func (p *Port) SyncTime() (time.Duration, error) {
	ns, st := p.drv.GetSyncTime(p.handle)
	if st != driver.XL_SUCCESS {
		return 0, p.errorf(st, "xlGetSyncTime", KindInitialization)
	}
	return time.Duration(ns), nil
}

func (p *Port) Deactivate() error {
	if st := p.drv.DeactivateChannel(p.handle, p.mask); st != driver.XL_SUCCESS {
		return p.errorf(st, "xlDeactivateChannel", KindOperation)
	}
	p.state = StateDeactivated
	return nil
}

// Reset 先去激活再激活，用于清除错误状态而不关闭端口
func (p *Port) Reset() error {
	if err := p.requireOpen("xlDeactivateChannel"); err != nil {
		return err
	}
	if err := p.Deactivate(); err != nil {
		return err
	}
	st := p.drv.ActivateChannel(p.handle, p.mask, driver.XL_BUS_TYPE_CAN, driver.XL_ACTIVATE_NONE)
	if st != driver.XL_SUCCESS {
		return p.errorf(st, "xlActivateChannel", KindOperation)
	}
	p.state = StateActivated
	return nil
}

// Shutdown 去激活、关闭端口、关闭驱动。错误只记录日志，可以重复调用。
func (p *Port) Shutdown() {
	if p.state == StateActivated || p.state == StateConfigured {
		if st := p.drv.DeactivateChannel(p.handle, p.mask); st != driver.XL_SUCCESS {
			log.Printf("[vector] xlDeactivateChannel: %s", p.drv.GetErrorString(st))
		}
	}
	if p.handle != driver.XL_INVALID_PORTHANDLE {
		if st := p.drv.ClosePort(p.handle); st != driver.XL_SUCCESS {
			log.Printf("[vector] xlClosePort: %s", p.drv.GetErrorString(st))
		}
		p.handle = driver.XL_INVALID_PORTHANDLE
	}
	if p.driverOpen {
		if st := p.drv.CloseDriver(); st != driver.XL_SUCCESS {
			log.Printf("[vector] xlCloseDriver: %s", p.drv.GetErrorString(st))
		}
		p.driverOpen = false
	}
	p.state = StateClosed
}

// SetTimerRate 设置周期定时事件，ms 为 0 时关闭。驱动单位为 10us。
func (p *Port) SetTimerRate(ms int) error {
	if ms < 0 {
		return ConfigurationError{Field: "timer_rate", Msg: fmt.Sprintf("%d ms is negative", ms)}
	}
	if err := p.requireOpen("xlSetTimerRate"); err != nil {
		return err
	}
	if st := p.drv.SetTimerRate(p.handle, uint32(ms*100)); st != driver.XL_SUCCESS {
		return p.errorf(st, "xlSetTimerRate", KindOperation)
	}
	return nil
}

// RequestChipState 请求每个通道上报一次 CHIP_STATE 事件
func (p *Port) RequestChipState() error {
	if err := p.requireOpen("xlCanRequestChipState"); err != nil {
		return err
	}
	if st := p.drv.CanRequestChipState(p.handle, p.mask); st != driver.XL_SUCCESS {
		return p.errorf(st, "xlCanRequestChipState", KindOperation)
	}
	return nil
}

// FlushTransmitQueue 丢弃驱动发送队列中尚未发出的报文
func (p *Port) FlushTransmitQueue() error {
	if err := p.requireOpen("xlCanFlushTransmitQueue"); err != nil {
		return err
	}
	if st := p.drv.CanFlushTransmitQueue(p.handle, p.mask); st != driver.XL_SUCCESS {
		return p.errorf(st, "xlCanFlushTransmitQueue", KindOperation)
	}
	return nil
}

func (p *Port) requireOpen(op string) error {
	if p.handle == driver.XL_INVALID_PORTHANDLE {
		return OperationError{NewVectorError(driver.XL_ERR_INVALID_PORT, "port is closed", op)}
	}
	return nil
}

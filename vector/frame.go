package vector

import (
	"errors"
	"fmt"
	"time"

	"github.com/LoveWonYoung/vxlcan/driver"
)

const (
	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF
)

var (
	ErrInvalidID   = errors.New("vector: invalid identifier")
	ErrDataTooLong = errors.New("vector: data too long")
	ErrInvalidLen  = errors.New("vector: data length is not a valid CAN FD length")
)

// AllChannels 作为 Frame.Channel 时 Send 发往总线的全部通道
const AllChannels = -1

// Frame 是解复用后的 CAN/CAN-FD 报文
type Frame struct {
	ID                  uint32
	Extended            bool
	Remote              bool
	ErrorFrame          bool
	FD                  bool
	BitrateSwitch       bool
	ErrorStateIndicator bool
	Overrun             bool

	// Rx 为 false 表示本节点发出的报文 (回环确认)
	Rx bool

	// Channel 是逻辑通道号，接收时不在选择内则为驱动通道索引。
	// 发送时为 AllChannels 或不属于本总线的通道号则发往全部通道。
	Channel   int
	Timestamp time.Time
	Data      []byte
}

// Validate 检查 ID 范围和数据长度，FD 报文长度必须是某个 DLC 对应的字节数
func (f Frame) Validate() error {
	if f.Extended {
		if f.ID > maxExtID {
			return ErrInvalidID
		}
	} else if f.ID > maxStdID {
		return ErrInvalidID
	}
	if f.FD {
		if len(f.Data) > driver.XL_CAN_MAX_DATA_LEN {
			return ErrDataTooLong
		}
		if !driver.ValidFDLen(len(f.Data)) {
			return ErrInvalidLen
		}
		return nil
	}
	if len(f.Data) > driver.MAX_MSG_LEN {
		return ErrDataTooLong
	}
	return nil
}

func (f Frame) String() string {
	kind := "CAN"
	if f.FD {
		kind = "CANFD"
	}
	dir := "Rx"
	if !f.Rx {
		dir = "Tx"
	}
	id := fmt.Sprintf("%03X", f.ID)
	if f.Extended {
		id = fmt.Sprintf("%08X", f.ID)
	}
	return fmt.Sprintf("%s ch%d %s %-5s ID=%s DLC=%02d Data=%s",
		f.Timestamp.Format("15:04:05.000000"), f.Channel, dir, kind, id, len(f.Data), driver.FormatData(f.Data))
}

// BusStatus 是芯片状态事件里的 busStatus
type BusStatus uint8

const (
	BusOff       = BusStatus(driver.XL_CHIPSTAT_BUSOFF)
	ErrorPassive = BusStatus(driver.XL_CHIPSTAT_ERROR_PASSIVE)
	ErrorWarning = BusStatus(driver.XL_CHIPSTAT_ERROR_WARNING)
	ErrorActive  = BusStatus(driver.XL_CHIPSTAT_ERROR_ACTIVE)
)

func (s BusStatus) String() string {
	switch s {
	case BusOff:
		return "BUSOFF"
	case ErrorPassive:
		return "ERROR_PASSIVE"
	case ErrorWarning:
		return "ERROR_WARNING"
	case ErrorActive:
		return "ERROR_ACTIVE"
	}
	return fmt.Sprintf("BusStatus(0x%02X)", uint8(s))
}

// Notification 是不作为报文返回的总线事件，交给 Options.OnEvent / OnFDEvent
type Notification interface {
	notification()
	ChannelIndex() int
}

// BusState 对应 CHIP_STATE 事件
type BusState struct {
	Status    BusStatus
	RxErrors  uint8
	TxErrors  uint8
	Channel   int
	Timestamp time.Time
}

// TimerTick 对应 XL_TIMER 事件
type TimerTick struct {
	Channel   int
	Timestamp time.Time
}

// WakeUp 对应带 WAKEUP 标志的 RECEIVE_MSG
type WakeUp struct {
	Channel   int
	Timestamp time.Time
}

// ErrorCounterEvent 对应 FD 的 RX_ERROR / TX_ERROR
type ErrorCounterEvent struct {
	Tx        bool
	Code      uint8
	Channel   int
	Timestamp time.Time
}

func (BusState) notification()          {}
func (TimerTick) notification()         {}
func (WakeUp) notification()            {}
func (ErrorCounterEvent) notification() {}

func (n BusState) ChannelIndex() int          { return n.Channel }
func (n TimerTick) ChannelIndex() int         { return n.Channel }
func (n WakeUp) ChannelIndex() int            { return n.Channel }
func (n ErrorCounterEvent) ChannelIndex() int { return n.Channel }

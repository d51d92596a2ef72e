package vector

import (
	"time"

	"github.com/LoveWonYoung/vxlcan/driver"
)

// rawEvent 是驱动事件在边界处解码一次后的形式，之后不再按 tag 重新解释
type rawEvent interface {
	chanIndex() int
}

type msgEvent struct {
	index    int
	ts       uint64
	id       uint32
	extended bool
	remote   bool
	errFrame bool
	overrun  bool
	wakeup   bool
	txDone   bool // 本节点发出的报文
	fd       bool
	brs      bool
	esi      bool
	data     []byte
}

type chipStateEvent struct {
	index int
	ts    uint64
	state driver.ChipState
}

type timerEvent struct {
	index int
	ts    uint64
}

type errorEvent struct {
	index int
	ts    uint64
	tx    bool
	code  uint8
}

// otherEvent 包括发送确认 (TRANSMIT_MSG / TX_REQUEST) 以及未知 tag
type otherEvent struct {
	index int
	tag   uint16
}

func (e msgEvent) chanIndex() int       { return e.index }
func (e chipStateEvent) chanIndex() int { return e.index }
func (e timerEvent) chanIndex() int     { return e.index }
func (e errorEvent) chanIndex() int     { return e.index }
func (e otherEvent) chanIndex() int     { return e.index }

// decodeClassic 解码 XLevent
func decodeClassic(ev *driver.Event) rawEvent {
	idx := int(ev.ChanIndex)
	switch ev.Tag {
	case driver.XL_RECEIVE_MSG:
		m := ev.Msg()
		n := int(m.DLC)
		if n > driver.MAX_MSG_LEN {
			n = driver.MAX_MSG_LEN
		}
		out := msgEvent{
			index:    idx,
			ts:       ev.TimeStamp,
			id:       m.ID & maxExtID,
			extended: m.ID&driver.XL_CAN_EXT_MSG_ID != 0,
			remote:   m.Flags&driver.XL_CAN_MSG_FLAG_REMOTE_FRAME != 0,
			errFrame: m.Flags&driver.XL_CAN_MSG_FLAG_ERROR_FRAME != 0,
			overrun:  m.Flags&driver.XL_CAN_MSG_FLAG_OVERRUN != 0,
			wakeup:   m.Flags&driver.XL_CAN_MSG_FLAG_WAKEUP != 0,
			txDone:   m.Flags&driver.XL_CAN_MSG_FLAG_TX_COMPLETED != 0,
		}
		if !out.remote {
			out.data = append([]byte(nil), m.Data[:n]...)
		}
		return out
	case driver.XL_CHIP_STATE:
		return chipStateEvent{index: idx, ts: ev.TimeStamp, state: ev.ChipState()}
	case driver.XL_TIMER:
		return timerEvent{index: idx, ts: ev.TimeStamp}
	}
	return otherEvent{index: idx, tag: uint16(ev.Tag)}
}

// decodeFD 解码 XLcanRxEvent
func decodeFD(ev *driver.RxEvent) rawEvent {
	idx := int(ev.ChanIndex)
	switch ev.Tag {
	case driver.XL_CAN_EV_TAG_RX_OK, driver.XL_CAN_EV_TAG_TX_OK:
		m := ev.Msg()
		edl := m.MsgFlags&driver.XL_CAN_RXMSG_FLAG_EDL != 0
		n := driver.DLCToLen(m.DLC)
		if !edl && n > driver.MAX_MSG_LEN {
			n = driver.MAX_MSG_LEN
		}
		out := msgEvent{
			index:    idx,
			ts:       ev.TimeStampSync,
			id:       m.CanID & maxExtID,
			extended: m.CanID&driver.XL_CAN_EXT_MSG_ID != 0,
			remote:   m.MsgFlags&driver.XL_CAN_RXMSG_FLAG_RTR != 0,
			errFrame: m.MsgFlags&driver.XL_CAN_RXMSG_FLAG_EF != 0,
			wakeup:   m.MsgFlags&driver.XL_CAN_RXMSG_FLAG_WAKEUP != 0,
			txDone:   ev.Tag == driver.XL_CAN_EV_TAG_TX_OK,
			fd:       edl,
			brs:      m.MsgFlags&driver.XL_CAN_RXMSG_FLAG_BRS != 0,
			esi:      m.MsgFlags&driver.XL_CAN_RXMSG_FLAG_ESI != 0,
		}
		if !out.remote {
			out.data = append([]byte(nil), m.Data[:n]...)
		}
		return out
	case driver.XL_CAN_EV_TAG_CHIP_STATE:
		return chipStateEvent{index: idx, ts: ev.TimeStampSync, state: ev.ChipState()}
	case driver.XL_CAN_EV_TAG_RX_ERROR, driver.XL_CAN_EV_TAG_TX_ERROR:
		return errorEvent{index: idx, ts: ev.TimeStampSync, tx: ev.Tag == driver.XL_CAN_EV_TAG_TX_ERROR, code: ev.ErrorCode()}
	}
	return otherEvent{index: idx, tag: uint16(ev.Tag)}
}

// demuxer 把解码后的事件分成报文和通知
type demuxer struct {
	sel       ChannelSelection
	base      time.Time
	fd        bool
	loopback  bool
	onEvent   func(Notification)
	onFDEvent func(Notification)
	// flushes 记录每个通道索引上尚未收到回执的 FlushTxBuffer 确认帧
	flushes map[int]int
}

// expectFlush 在 FlushTxBuffer 发出确认帧后调用，mask 中每个通道各等待一个回执
func (d *demuxer) expectFlush(mask uint64) {
	if d.flushes == nil {
		d.flushes = make(map[int]int)
	}
	for idx := range IterateChannelIndices(mask) {
		d.flushes[idx]++
	}
}

// flushReceipt 判断 e 是否是待确认的 flush 帧回执，是则消耗一个计数
func (d *demuxer) flushReceipt(e msgEvent) bool {
	if !e.txDone || d.flushes[e.index] == 0 {
		return false
	}
	var marker bool
	if d.fd {
		marker = e.id == 0 && !e.extended && !e.fd && !e.remote && len(e.data) == 0
	} else {
		marker = e.overrun && e.wakeup
	}
	if !marker {
		return false
	}
	if d.flushes[e.index]--; d.flushes[e.index] == 0 {
		delete(d.flushes, e.index)
	}
	return true
}

func (d *demuxer) channel(index int) int {
	if ch, ok := d.sel.ChannelForIndex(index); ok {
		return ch
	}
	return index
}

func (d *demuxer) stamp(ns uint64) time.Time {
	return d.base.Add(time.Duration(ns))
}

func (d *demuxer) notify(n Notification) {
	h := d.onEvent
	if d.fd {
		h = d.onFDEvent
	}
	if h != nil {
		h(n)
	}
}

// dispatch 返回报文，通知交给回调，其余事件丢弃
func (d *demuxer) dispatch(ev rawEvent) (Frame, bool) {
	switch e := ev.(type) {
	case msgEvent:
		if d.flushReceipt(e) {
			return Frame{}, false
		}
		ch := d.channel(e.index)
		if e.wakeup && !d.fd {
			d.notify(WakeUp{Channel: ch, Timestamp: d.stamp(e.ts)})
			return Frame{}, false
		}
		// FD 方言里 TX_OK 只在回环模式下作为自发报文返回
		if d.fd && e.txDone && !d.loopback {
			return Frame{}, false
		}
		return Frame{
			ID:                  e.id,
			Extended:            e.extended,
			Remote:              e.remote,
			ErrorFrame:          e.errFrame,
			FD:                  e.fd,
			BitrateSwitch:       e.brs,
			ErrorStateIndicator: e.esi,
			Overrun:             e.overrun,
			Rx:                  !e.txDone,
			Channel:             ch,
			Timestamp:           d.stamp(e.ts),
			Data:                e.data,
		}, true
	case chipStateEvent:
		d.notify(BusState{
			Status:    BusStatus(e.state.BusStatus),
			RxErrors:  e.state.RxErrorCounter,
			TxErrors:  e.state.TxErrorCounter,
			Channel:   d.channel(e.index),
			Timestamp: d.stamp(e.ts),
		})
	case timerEvent:
		d.notify(TimerTick{Channel: d.channel(e.index), Timestamp: d.stamp(e.ts)})
	case errorEvent:
		d.notify(ErrorCounterEvent{Tx: e.tx, Code: e.code, Channel: d.channel(e.index), Timestamp: d.stamp(e.ts)})
	}
	return Frame{}, false
}

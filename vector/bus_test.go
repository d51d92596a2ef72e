package vector

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/LoveWonYoung/vxlcan/driver"
)

func openVirtual(t *testing.T, v *driver.Virtual, opts Options) *Bus {
	t.Helper()
	if opts.Channels == nil && opts.Mask == 0 && opts.ChannelIndex == nil {
		opts.Channels = []int{0}
	}
	b, err := Open(v, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(b.Shutdown)
	return b
}

func TestOpen_Classic(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{AppName: "CANalyzer"})

	if b.FD() || b.State() != StateActivated {
		t.Errorf("Unexpected bus state fd=%v state=%s", b.FD(), b.State())
	}
	for _, name := range []string{"xlOpenDriver", "xlGetApplConfig", "xlOpenPort", "xlActivateChannel", "xlSetNotification", "xlGetSyncTime"} {
		if !v.Called(name) {
			t.Errorf("Expected %s to be called", name)
		}
	}
	args := v.CallsTo("xlOpenPort")[0].Args
	if args[4] != driver.XL_INTERFACE_VERSION {
		t.Errorf("Expected interface version V3, got %v", args[4])
	}
	if args[5] != driver.XL_BUS_TYPE_CAN {
		t.Errorf("Expected bus type CAN, got %v", args[5])
	}
	if v.Called("xlCanFdSetConfiguration") || v.Called("xlCanSetChannelBitrate") {
		t.Error("No bus parameter call expected without bitrate")
	}
	if act := v.CallsTo("xlActivateChannel")[0].Args; act[3] != driver.XL_ACTIVATE_RESET_CLOCK {
		t.Errorf("Expected RESET_CLOCK activation, got %v", act[3])
	}
}

func TestOpen_Bitrate(t *testing.T) {
	v := driver.NewVirtual(4)
	openVirtual(t, v, Options{Config: BusConfig{Bitrate: 200_000}})

	if v.Called("xlCanFdSetConfiguration") {
		t.Error("xlCanFdSetConfiguration should not be called")
	}
	calls := v.CallsTo("xlCanSetChannelBitrate")
	if len(calls) != 1 {
		t.Fatalf("Expected one xlCanSetChannelBitrate call, got %d", len(calls))
	}
	if calls[0].Args[2] != uint32(200_000) {
		t.Errorf("Expected 200000, got %v", calls[0].Args[2])
	}
}

func TestOpen_FD(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{Config: BusConfig{
		FD: true, Bitrate: 500_000, DataBitrate: 2_000_000,
		SjwAbr: 16, Tseg1Abr: 127, Tseg2Abr: 32, SjwDbr: 6, Tseg1Dbr: 27, Tseg2Dbr: 12,
	}})
	if !b.FD() {
		t.Error("Expected FD bus")
	}
	if args := v.CallsTo("xlOpenPort")[0].Args; args[4] != driver.XL_INTERFACE_VERSION_V4 {
		t.Errorf("Expected interface version V4, got %v", args[4])
	}
	if v.Called("xlCanSetChannelBitrate") {
		t.Error("xlCanSetChannelBitrate should not be called")
	}
	calls := v.CallsTo("xlCanFdSetConfiguration")
	if len(calls) != 1 {
		t.Fatalf("Expected one xlCanFdSetConfiguration call, got %d", len(calls))
	}
	conf := calls[0].Args[2].(driver.CanFdConf)
	if conf.ArbitrationBitRate != 500_000 || conf.DataBitRate != 2_000_000 ||
		conf.SjwAbr != 16 || conf.Tseg1Abr != 127 || conf.Tseg2Abr != 32 ||
		conf.SjwDbr != 6 || conf.Tseg1Dbr != 27 || conf.Tseg2Dbr != 12 {
		t.Errorf("Unexpected FD configuration %+v", conf)
	}
}

func TestOpen_Timing(t *testing.T) {
	v := driver.NewVirtual(4)
	openVirtual(t, v, Options{Config: BusConfig{Timing: &BitTiming{Clock: 8_000_000, Bitrate: 125_000, SJW: 1, Tseg1: 13, Tseg2: 2}}})
	calls := v.CallsTo("xlCanSetChannelParamsC200")
	if len(calls) != 1 {
		t.Fatalf("Expected xlCanSetChannelParamsC200, got %d calls", len(calls))
	}
	if calls[0].Args[2] != uint8(0x03) || calls[0].Args[3] != uint8(0x1C) {
		t.Errorf("Unexpected btr0/btr1 %v/%v", calls[0].Args[2], calls[0].Args[3])
	}

	v = driver.NewVirtual(4)
	openVirtual(t, v, Options{Config: BusConfig{Timing: &BitTiming{Clock: 16_000_000, Bitrate: 125_000, SJW: 1, Tseg1: 13, Tseg2: 2}}})
	calls = v.CallsTo("xlCanSetChannelParams")
	if len(calls) != 1 {
		t.Fatalf("Expected xlCanSetChannelParams, got %d calls", len(calls))
	}
	cp := calls[0].Args[2].(driver.ChipParams)
	if cp.BitRate != 125_000 || cp.SJW != 1 || cp.Tseg1 != 13 || cp.Tseg2 != 2 || cp.Sam != 1 {
		t.Errorf("Unexpected chip params %+v", cp)
	}
}

func TestOpen_ListenOnly(t *testing.T) {
	v := driver.NewVirtual(4)
	openVirtual(t, v, Options{Config: BusConfig{Output: OutputSilent}})
	calls := v.CallsTo("xlCanSetChannelOutput")
	if len(calls) != 1 {
		t.Fatalf("Expected one xlCanSetChannelOutput call, got %d", len(calls))
	}
	if calls[0].Args[2] != driver.XL_OUTPUT_MODE_SILENT {
		t.Errorf("Expected SILENT output, got %v", calls[0].Args[2])
	}
	if v.Called("xlCanSetChannelMode") {
		t.Error("xlCanSetChannelMode is only used for loopback")
	}
}

func TestOpen_NoInitAccess(t *testing.T) {
	v := driver.NewVirtual(4)
	v.SetGrantMask(0)
	b := openVirtual(t, v, Options{Config: BusConfig{Bitrate: 250_000}})
	if b.PermissionMask() != 0 {
		t.Errorf("Expected no init access, got 0x%X", b.PermissionMask())
	}
	if v.Called("xlCanSetChannelBitrate") || v.Called("xlCanSetChannelOutput") {
		t.Error("Parameters must not be applied without init access")
	}
	if b.State() != StateActivated {
		t.Errorf("Bus should still be activated, got %s", b.State())
	}
}

func TestOpen_Serial(t *testing.T) {
	v := driver.NewVirtualWithConfig(loadFixture(t))
	serial := uint32(1001)
	b := openVirtual(t, v, Options{Channels: []int{2, 3}, Serial: &serial})
	if b.Mask() != 0xC {
		t.Errorf("Expected mask 0xC, got 0x%X", b.Mask())
	}
	if !v.Called("xlGetDriverConfig") {
		t.Error("Expected the channel table to be read")
	}
}

func TestOpen_ConfigurationErrorBeforeDriver(t *testing.T) {
	v := driver.NewVirtual(4)
	_, err := Open(v, Options{Channels: []int{0}, Config: BusConfig{Timing: &BitTiming{Clock: 16_000_000, Bitrate: 125_000, SJW: 9, Tseg1: 13, Tseg2: 2}}})
	var cfgErr ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected ConfigurationError, got %v", err)
	}
	if n := len(v.Calls()); n != 0 {
		t.Errorf("Expected no driver calls, got %d", n)
	}
}

func TestOpen_Failures(t *testing.T) {
	cases := []struct {
		call     string
		portOpen bool
	}{
		{"xlOpenDriver", false},
		{"xlOpenPort", false},
		{"xlCanSetChannelBitrate", true},
		{"xlActivateChannel", true},
	}
	for _, tc := range cases {
		t.Run(tc.call, func(t *testing.T) {
			v := driver.NewVirtual(4)
			v.Fail(tc.call, driver.XL_ERR_INVALID_ACCESS)
			b, err := Open(v, Options{Channels: []int{0}, Config: BusConfig{Bitrate: 500_000}})
			if b != nil {
				t.Error("Expected nil bus on failure")
			}
			var initErr InitializationError
			if !errors.As(err, &initErr) {
				t.Fatalf("Expected InitializationError, got %v", err)
			}
			if initErr.Operation != tc.call || initErr.Code != driver.XL_ERR_INVALID_ACCESS {
				t.Errorf("Unexpected error %v", initErr)
			}
			if v.Called("xlClosePort") != tc.portOpen {
				t.Errorf("xlClosePort called=%v, want %v", v.Called("xlClosePort"), tc.portOpen)
			}
			if v.DriverOpenCount() != 0 {
				t.Errorf("Driver left open %d times", v.DriverOpenCount())
			}
		})
	}
}

func TestRecv_ClassicFrame(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{})
	v.PushEvent(classicRxEvent(0, 0x123, 0, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	f, err := b.Recv(0)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if f == nil {
		t.Fatal("Expected a frame")
	}
	if f.ID != 0x123 || !bytes.Equal(f.Data, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("Unexpected frame %s", f)
	}
	if f.Timestamp.IsZero() {
		t.Error("Expected a timestamp")
	}
}

func TestRecv_EmptyQueue(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{})
	start := time.Now()
	f, err := b.Recv(20 * time.Millisecond)
	if err != nil || f != nil {
		t.Fatalf("Expected timeout without error, got %v %v", f, err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("Recv returned too early after %v", elapsed)
	}

	fdBus := openVirtual(t, driver.NewVirtual(4), Options{Config: BusConfig{FD: true}})
	if f, err := fdBus.Recv(0); err != nil || f != nil {
		t.Errorf("Expected empty poll on FD bus, got %v %v", f, err)
	}
}

func TestRecv_ChipStateGoesToHandler(t *testing.T) {
	v := driver.NewVirtual(4)
	var got []Notification
	b := openVirtual(t, v, Options{OnEvent: func(n Notification) { got = append(got, n) }})

	chip := driver.Event{Tag: driver.XL_CHIP_STATE, ChanIndex: 0}
	chip.SetChipState(driver.ChipState{BusStatus: driver.XL_CHIPSTAT_ERROR_ACTIVE})
	v.PushEvent(chip)

	f, err := b.Recv(0)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if f != nil {
		t.Errorf("Chip state must not be returned as a frame, got %s", f)
	}
	if len(got) != 1 {
		t.Fatalf("Expected one notification, got %d", len(got))
	}
	if bs, ok := got[0].(BusState); !ok || bs.Status != ErrorActive {
		t.Errorf("Unexpected notification %+v", got[0])
	}
}

func TestRecv_FDErrorGoesToFDHandler(t *testing.T) {
	v := driver.NewVirtual(4)
	var classic, fd int
	b := openVirtual(t, v, Options{
		Config:    BusConfig{FD: true},
		OnEvent:   func(Notification) { classic++ },
		OnFDEvent: func(Notification) { fd++ },
	})
	ev := driver.RxEvent{Tag: driver.XL_CAN_EV_TAG_RX_ERROR, ChanIndex: 0}
	ev.SetErrorCode(1)
	v.PushRxEvent(ev)
	if f, err := b.Recv(0); err != nil || f != nil {
		t.Fatalf("Expected no frame, got %v %v", f, err)
	}
	if classic != 0 || fd != 1 {
		t.Errorf("Expected only the FD handler, got classic=%d fd=%d", classic, fd)
	}
}

func TestRecv_DriverError(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{})
	v.Fail("xlReceive", driver.XL_ERR_INVALID_PORT)
	_, err := b.Recv(0)
	var opErr OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("Expected OperationError, got %v", err)
	}
	if opErr.Operation != "xlReceive" {
		t.Errorf("Unexpected operation %q", opErr.Operation)
	}
}

func TestSend_Classic(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{})
	if err := b.Send(Frame{ID: 0x123, Data: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !v.Called("xlCanTransmit") || v.Called("xlCanTransmitEx") {
		t.Error("Expected xlCanTransmit only")
	}
	evs := v.CallsTo("xlCanTransmit")[0].Args[2].([]driver.Event)
	msg := evs[0].Msg()
	if evs[0].Tag != driver.XL_TRANSMIT_MSG || msg.ID != 0x123 || msg.DLC != 3 {
		t.Errorf("Unexpected transmit event %+v", msg)
	}
}

func TestSend_FD(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{Config: BusConfig{FD: true}})
	if err := b.Send(Frame{ID: 0x123, FD: true, BitrateSwitch: true, Data: make([]byte, 12)}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if v.Called("xlCanTransmit") || !v.Called("xlCanTransmitEx") {
		t.Error("Expected xlCanTransmitEx only")
	}
	evs := v.CallsTo("xlCanTransmitEx")[0].Args[2].([]driver.TxEvent)
	m := evs[0].Msg
	if m.DLC != 9 || m.MsgFlags&driver.XL_CAN_TXMSG_FLAG_EDL == 0 || m.MsgFlags&driver.XL_CAN_TXMSG_FLAG_BRS == 0 {
		t.Errorf("Unexpected tx message %+v", m)
	}
}

func TestSend_Validation(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{})
	if err := b.Send(Frame{ID: 0x800}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Expected ErrInvalidID, got %v", err)
	}
	if err := b.Send(Frame{ID: 1, Data: make([]byte, 9)}); !errors.Is(err, ErrDataTooLong) {
		t.Errorf("Expected ErrDataTooLong, got %v", err)
	}
	var cfgErr ConfigurationError
	if err := b.Send(Frame{ID: 1, FD: true}); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError for FD frame on classic bus, got %v", err)
	}
}

func TestSend_ChannelMask(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{Channels: []int{0, 1}})
	if b.Mask() != 0x3 {
		t.Fatalf("Expected mask 0x3, got 0x%X", b.Mask())
	}
	if err := b.Send(Frame{ID: 1, Channel: 1}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := b.Send(Frame{ID: 1, Channel: 7}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	n, err := b.SendSequence([]Frame{{ID: 1}, {ID: 2}})
	if err != nil || n != 2 {
		t.Fatalf("SendSequence: n=%d err=%v", n, err)
	}
	calls := v.CallsTo("xlCanTransmit")
	wantMasks := []driver.AccessMask{0x2, 0x3, 0x3}
	for i, c := range calls {
		if c.Args[1] != wantMasks[i] {
			t.Errorf("call %d: expected mask 0x%X, got %v", i, wantMasks[i], c.Args[1])
		}
	}
}

func TestSend_AllChannels(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{Channels: []int{0, 1}})
	if err := b.Send(Frame{ID: 1, Channel: AllChannels}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	// 零值通道号是一个真实的通道
	if err := b.Send(Frame{ID: 1}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	calls := v.CallsTo("xlCanTransmit")
	if len(calls) != 2 {
		t.Fatalf("Expected 2 transmit calls, got %d", len(calls))
	}
	if calls[0].Args[1] != driver.AccessMask(0x3) {
		t.Errorf("AllChannels: expected mask 0x3, got %v", calls[0].Args[1])
	}
	if calls[1].Args[1] != driver.AccessMask(0x1) {
		t.Errorf("channel 0: expected mask 0x1, got %v", calls[1].Args[1])
	}
}

func TestSend_DriverError(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{})
	v.Fail("xlCanTransmit", driver.XL_ERR_QUEUE_IS_FULL)
	var opErr OperationError
	if err := b.Send(Frame{ID: 1}); !errors.As(err, &opErr) || opErr.Code != driver.XL_ERR_QUEUE_IS_FULL {
		t.Errorf("Expected OperationError XL_ERR_QUEUE_IS_FULL, got %v", err)
	}
}

func TestLoopback_RoundTrip(t *testing.T) {
	frames := []Frame{
		{ID: 0x123, Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		{ID: 0x1234567, Extended: true, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
	}
	for _, fd := range []bool{false, true} {
		v := driver.NewVirtual(4)
		b := openVirtual(t, v, Options{Config: BusConfig{FD: fd, Output: OutputLoopback}})
		if !v.Called("xlCanSetChannelMode") {
			t.Errorf("fd=%v: expected tx receipt channel mode", fd)
		}
		for _, sent := range frames {
			if fd {
				sent.FD = true
			}
			if err := b.Send(sent); err != nil {
				t.Fatalf("fd=%v: Send failed: %v", fd, err)
			}
			got, err := b.Recv(100 * time.Millisecond)
			if err != nil {
				t.Fatalf("fd=%v: Recv failed: %v", fd, err)
			}
			if got == nil {
				t.Fatalf("fd=%v: expected looped back frame", fd)
			}
			if got.ID != sent.ID || got.Extended != sent.Extended || !bytes.Equal(got.Data, sent.Data) {
				t.Errorf("fd=%v: sent %s, got %s", fd, sent, got)
			}
			if got.Rx {
				t.Errorf("fd=%v: looped back frame should be marked Tx", fd)
			}
			if got.FD != fd {
				t.Errorf("fd=%v: FD flag not preserved", fd)
			}
		}
	}
}

func TestSendAndReceive_Echo(t *testing.T) {
	v := driver.NewVirtual(4)
	v.SetEcho(true)
	b := openVirtual(t, v, Options{Config: BusConfig{FD: true}})
	sent := Frame{ID: 0x18FF0001, Extended: true, FD: true, BitrateSwitch: true, Data: make([]byte, 64)}
	sent.Data[63] = 0x5A
	if err := b.Send(sent); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got, err := b.Recv(-1)
	if err != nil || got == nil {
		t.Fatalf("Recv failed: %v %v", got, err)
	}
	if !got.Rx || !got.BitrateSwitch || len(got.Data) != 64 || got.Data[63] != 0x5A {
		t.Errorf("Unexpected echoed frame %s", got)
	}
}

func TestFlushTxBuffer(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{})
	if err := b.FlushTxBuffer(); err != nil {
		t.Fatalf("FlushTxBuffer failed: %v", err)
	}
	evs := v.CallsTo("xlCanTransmit")[0].Args[2].([]driver.Event)
	if len(evs) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(evs))
	}
	if evs[0].Tag != driver.XL_TRANSMIT_MSG {
		t.Errorf("Expected XL_TRANSMIT_MSG, got %d", evs[0].Tag)
	}
	flags := evs[0].Msg().Flags
	if flags&(driver.XL_CAN_MSG_FLAG_OVERRUN|driver.XL_CAN_MSG_FLAG_WAKEUP) != driver.XL_CAN_MSG_FLAG_OVERRUN|driver.XL_CAN_MSG_FLAG_WAKEUP {
		t.Errorf("Unexpected flush flags 0x%X", flags)
	}
	// 确认事件不会作为报文返回
	if f, err := b.Recv(0); err != nil || f != nil {
		t.Errorf("Flush confirmation must be ignored, got %v %v", f, err)
	}
}

func TestFlushTxBuffer_FD(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{Config: BusConfig{FD: true}})
	if err := b.FlushTxBuffer(); err != nil {
		t.Fatalf("FlushTxBuffer failed: %v", err)
	}
	evs := v.CallsTo("xlCanTransmitEx")[0].Args[2].([]driver.TxEvent)
	if len(evs) != 1 || evs[0].Tag != driver.XL_CAN_EV_TAG_TX_MSG {
		t.Fatalf("Unexpected flush events %+v", evs)
	}
	if evs[0].Msg.MsgFlags&driver.XL_CAN_TXMSG_FLAG_HIGHPRIO == 0 {
		t.Error("Expected HIGHPRIO flag")
	}
	if f, err := b.Recv(0); err != nil || f != nil {
		t.Errorf("Flush confirmation must be ignored, got %v %v", f, err)
	}
}

func TestFlushTxBuffer_LoopbackReceipt(t *testing.T) {
	for _, fd := range []bool{false, true} {
		v := driver.NewVirtual(4)
		var notes []Notification
		onEvent := func(n Notification) { notes = append(notes, n) }
		b := openVirtual(t, v, Options{
			Channels:  []int{0, 1},
			Config:    BusConfig{FD: fd, Output: OutputLoopback},
			OnEvent:   onEvent,
			OnFDEvent: onEvent,
		})
		if err := b.Send(Frame{ID: 0x123, Data: []byte{1}, Channel: 1}); err != nil {
			t.Fatalf("fd=%v: Send failed: %v", fd, err)
		}
		if err := b.FlushTxBuffer(); err != nil {
			t.Fatalf("fd=%v: FlushTxBuffer failed: %v", fd, err)
		}

		f, err := b.Recv(0)
		if err != nil || f == nil {
			t.Fatalf("fd=%v: expected own frame, got %v %v", fd, f, err)
		}
		if f.ID != 0x123 || f.Rx || f.Channel != 1 {
			t.Errorf("fd=%v: unexpected frame %v", fd, f)
		}
		// 两个通道的确认帧回执都要被丢弃
		for i := 0; i < 3; i++ {
			if f, err := b.Recv(0); err != nil || f != nil {
				t.Fatalf("fd=%v: flush receipt surfaced as %v %v", fd, f, err)
			}
		}
		if c, fdq := v.Pending(); c != 0 || fdq != 0 {
			t.Errorf("fd=%v: queues not drained: %d %d", fd, c, fdq)
		}
		for _, n := range notes {
			if _, ok := n.(WakeUp); ok {
				t.Errorf("fd=%v: flush receipt reported as %+v", fd, n)
			}
		}
	}
}

func TestRecv_LoopbackZeroFrameWithoutFlush(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{Config: BusConfig{FD: true, Output: OutputLoopback}})
	if err := b.Send(Frame{ID: 0, Data: []byte{}}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	f, err := b.Recv(0)
	if err != nil || f == nil {
		t.Fatalf("Expected own frame, got %v %v", f, err)
	}
	if f.ID != 0 || len(f.Data) != 0 || f.Rx {
		t.Errorf("Unexpected frame %v", f)
	}
}

func TestShutdown(t *testing.T) {
	v := driver.NewVirtual(4)
	b, err := Open(v, Options{Channels: []int{0}})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	b.Shutdown()
	for _, name := range []string{"xlDeactivateChannel", "xlClosePort", "xlCloseDriver"} {
		if len(v.CallsTo(name)) != 1 {
			t.Errorf("Expected exactly one %s call", name)
		}
	}
	if b.State() != StateClosed || v.DriverOpenCount() != 0 {
		t.Errorf("Bus not closed: state=%s open=%d", b.State(), v.DriverOpenCount())
	}

	n := len(v.Calls())
	b.Shutdown()
	if len(v.Calls()) != n {
		t.Error("Second Shutdown must not call the driver")
	}

	var opErr OperationError
	if err := b.Send(Frame{ID: 1}); !errors.As(err, &opErr) {
		t.Errorf("Expected OperationError after shutdown, got %v", err)
	}
	if _, err := b.Recv(0); !errors.As(err, &opErr) {
		t.Errorf("Expected OperationError after shutdown, got %v", err)
	}
}

func TestShutdown_BestEffort(t *testing.T) {
	v := driver.NewVirtual(4)
	b, err := Open(v, Options{Channels: []int{0}})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	v.Fail("xlDeactivateChannel", driver.XL_ERR_HW_NOT_READY)
	v.Fail("xlClosePort", driver.XL_ERR_HW_NOT_READY)
	b.Shutdown()
	if !v.Called("xlCloseDriver") {
		t.Error("Teardown must continue after errors")
	}
}

func TestReset(t *testing.T) {
	v := driver.NewVirtual(4)
	b := openVirtual(t, v, Options{})
	v.ClearCalls()
	if err := b.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	calls := v.Calls()
	if len(calls) != 2 || calls[0].Name != "xlDeactivateChannel" || calls[1].Name != "xlActivateChannel" {
		t.Fatalf("Unexpected call sequence %+v", calls)
	}
	if calls[1].Args[3] != driver.XL_ACTIVATE_NONE {
		t.Errorf("Expected activation without clock reset, got %v", calls[1].Args[3])
	}

	v.Fail("xlActivateChannel", driver.XL_ERR_HW_NOT_READY)
	var opErr OperationError
	if err := b.Reset(); !errors.As(err, &opErr) {
		t.Errorf("Expected OperationError, got %v", err)
	}
}

func TestSetTimerRate(t *testing.T) {
	v := driver.NewVirtual(4)
	var ticks int
	b := openVirtual(t, v, Options{OnEvent: func(n Notification) {
		if _, ok := n.(TimerTick); ok {
			ticks++
		}
	}})
	if err := b.SetTimerRate(1); err != nil {
		t.Fatalf("SetTimerRate failed: %v", err)
	}
	calls := v.CallsTo("xlSetTimerRate")
	if len(calls) != 1 || calls[0].Args[1] != uint32(100) {
		t.Fatalf("Expected rate 100 (10us units), got %+v", calls)
	}
	deadline := time.Now().Add(time.Second)
	for ticks == 0 && time.Now().Before(deadline) {
		if _, err := b.Recv(20 * time.Millisecond); err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
	}
	if ticks == 0 {
		t.Error("Expected at least one timer tick")
	}
	if err := b.SetTimerRate(0); err != nil {
		t.Fatalf("SetTimerRate(0) failed: %v", err)
	}
}

func TestRequestChipState(t *testing.T) {
	v := driver.NewVirtual(4)
	v.SetChipState(driver.ChipState{BusStatus: driver.XL_CHIPSTAT_ERROR_WARNING, TxErrorCounter: 97})
	var got []Notification
	b := openVirtual(t, v, Options{Channels: []int{1}, OnEvent: func(n Notification) { got = append(got, n) }})
	if err := b.RequestChipState(); err != nil {
		t.Fatalf("RequestChipState failed: %v", err)
	}
	if _, err := b.Recv(0); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected one notification, got %d", len(got))
	}
	bs := got[0].(BusState)
	if bs.Status != ErrorWarning || bs.TxErrors != 97 || bs.Channel != 1 {
		t.Errorf("Unexpected bus state %+v", bs)
	}
}

func TestApplicationConfig_RoundTrip(t *testing.T) {
	v := driver.NewVirtualWithConfig(loadFixture(t))
	if err := SetApplicationConfig(v, "vxlcan-test", 0, driver.XL_HWTYPE_VN8900, 0, 3); err != nil {
		t.Fatalf("SetApplicationConfig failed: %v", err)
	}
	hwType, hwIndex, hwChannel, err := GetApplicationConfig(v, "vxlcan-test", 0)
	if err != nil {
		t.Fatalf("GetApplicationConfig failed: %v", err)
	}
	if hwType != driver.XL_HWTYPE_VN8900 || hwIndex != 0 || hwChannel != 3 {
		t.Errorf("Unexpected config %s/%d/%d", hwType, hwIndex, hwChannel)
	}

	b := openVirtual(t, v, Options{AppName: "vxlcan-test"})
	if b.Mask() != 1<<3 {
		t.Errorf("Expected app channel 0 to map to index 3, got mask 0x%X", b.Mask())
	}

	v.Fail("xlGetApplConfig", driver.XL_ERROR)
	_, _, _, err = GetApplicationConfig(v, "vxlcan-test", 1)
	var initErr InitializationError
	if !errors.As(err, &initErr) {
		t.Errorf("Expected InitializationError, got %v", err)
	}
}

func TestPopupHwConfig(t *testing.T) {
	v := driver.NewVirtual(1)
	if err := PopupHwConfig(v, 2*time.Second); err != nil {
		t.Fatalf("PopupHwConfig failed: %v", err)
	}
	calls := v.CallsTo("xlPopupHwConfig")
	if len(calls) != 1 || calls[0].Args[0] != uint32(2000) {
		t.Errorf("Unexpected calls %+v", calls)
	}
}

package driver

import "encoding/binary"

// 以下结构体与 vxlapi.h 的内存布局一一对应，Windows 绑定直接把指针交给 DLL。

// Event 对应 XLevent (经典 ABI，48 字节)。TagData 是按 Tag 解释的联合体。
type Event struct {
	Tag        EventTag
	ChanIndex  uint8
	TransID    uint16
	PortHandle uint16
	Flags      uint8
	Reserved   uint8
	TimeStamp  uint64 // ns
	TagData    [32]byte
}

// CanMsg 是 XL_RECEIVE_MSG / XL_TRANSMIT_MSG 的负载 (s_xl_can_msg)
type CanMsg struct {
	ID    uint32
	Flags MessageFlags
	DLC   uint16
	Data  [MAX_MSG_LEN]byte
}

// ChipState 是 XL_CHIP_STATE / XL_CAN_EV_TAG_CHIP_STATE 的负载
type ChipState struct {
	BusStatus      uint8
	TxErrorCounter uint8
	RxErrorCounter uint8
}

func (e *Event) Msg() CanMsg {
	var m CanMsg
	m.ID = binary.LittleEndian.Uint32(e.TagData[0:])
	m.Flags = MessageFlags(binary.LittleEndian.Uint16(e.TagData[4:]))
	m.DLC = binary.LittleEndian.Uint16(e.TagData[6:])
	copy(m.Data[:], e.TagData[16:24])
	return m
}

func (e *Event) SetMsg(m CanMsg) {
	e.TagData = [32]byte{}
	binary.LittleEndian.PutUint32(e.TagData[0:], m.ID)
	binary.LittleEndian.PutUint16(e.TagData[4:], uint16(m.Flags))
	binary.LittleEndian.PutUint16(e.TagData[6:], m.DLC)
	copy(e.TagData[16:24], m.Data[:])
}

func (e *Event) ChipState() ChipState {
	return ChipState{BusStatus: e.TagData[0], TxErrorCounter: e.TagData[1], RxErrorCounter: e.TagData[2]}
}

func (e *Event) SetChipState(s ChipState) {
	e.TagData = [32]byte{}
	e.TagData[0] = s.BusStatus
	e.TagData[1] = s.TxErrorCounter
	e.TagData[2] = s.RxErrorCounter
}

// RxEvent 对应 XLcanRxEvent (CAN-FD ABI，128 字节)
type RxEvent struct {
	Size          int32
	Tag           FDEventTag
	ChanIndex     uint16
	UserHandle    uint32
	FlagsChip     uint16
	Reserved0     uint16
	Reserved1     uint64
	TimeStampSync uint64 // ns
	TagData       [96]byte
}

// RxMsg 是 RX_OK / TX_OK 的负载 (s_xl_can_ev_rx_msg)，DLC 为长度码
type RxMsg struct {
	CanID    uint32
	MsgFlags RxMessageFlags
	CRC      uint32
	DLC      uint8
	Data     [XL_CAN_MAX_DATA_LEN]byte
}

func (e *RxEvent) Msg() RxMsg {
	var m RxMsg
	m.CanID = binary.LittleEndian.Uint32(e.TagData[0:])
	m.MsgFlags = RxMessageFlags(binary.LittleEndian.Uint32(e.TagData[4:]))
	m.CRC = binary.LittleEndian.Uint32(e.TagData[8:])
	m.DLC = e.TagData[26]
	copy(m.Data[:], e.TagData[32:96])
	return m
}

func (e *RxEvent) SetMsg(m RxMsg) {
	e.TagData = [96]byte{}
	binary.LittleEndian.PutUint32(e.TagData[0:], m.CanID)
	binary.LittleEndian.PutUint32(e.TagData[4:], uint32(m.MsgFlags))
	binary.LittleEndian.PutUint32(e.TagData[8:], m.CRC)
	e.TagData[26] = m.DLC
	copy(e.TagData[32:96], m.Data[:])
}

func (e *RxEvent) ChipState() ChipState {
	return ChipState{BusStatus: e.TagData[0], TxErrorCounter: e.TagData[1], RxErrorCounter: e.TagData[2]}
}

func (e *RxEvent) SetChipState(s ChipState) {
	e.TagData = [96]byte{}
	e.TagData[0] = s.BusStatus
	e.TagData[1] = s.TxErrorCounter
	e.TagData[2] = s.RxErrorCounter
}

// ErrorCode 是 RX_ERROR / TX_ERROR 的负载 (s_xl_can_ev_error.errorCode)
func (e *RxEvent) ErrorCode() uint8 { return e.TagData[0] }

func (e *RxEvent) SetErrorCode(code uint8) {
	e.TagData = [96]byte{}
	e.TagData[0] = code
}

// TxMsg 对应 XL_CAN_TX_MSG
type TxMsg struct {
	CanID    uint32
	MsgFlags TxMessageFlags
	DLC      uint8
	Reserved [7]uint8
	Data     [XL_CAN_MAX_DATA_LEN]byte
}

// TxEvent 对应 XLcanTxEvent (88 字节)
type TxEvent struct {
	Tag       FDEventTag
	TransID   uint16
	ChanIndex uint8
	Reserved  [3]uint8
	Msg       TxMsg
}

// ChipParams 对应 XLchipParams，xlCanSetChannelParams 使用
type ChipParams struct {
	BitRate uint32
	SJW     uint8
	Tseg1   uint8
	Tseg2   uint8
	Sam     uint8
}

// CanFdConf 对应 XLcanFdConf，xlCanFdSetConfiguration 使用
type CanFdConf struct {
	ArbitrationBitRate uint32
	SjwAbr             uint32
	Tseg1Abr           uint32
	Tseg2Abr           uint32
	DataBitRate        uint32
	SjwDbr             uint32
	Tseg1Dbr           uint32
	Tseg2Dbr           uint32
	Reserved           uint8
	Options            uint8
	Reserved1          [2]uint8
	Reserved2          uint32
}

// XLdriverConfig 的二进制布局。头部按自然对齐，XLchannelConfig 记录按 1 字节打包。
const (
	DriverConfigHeaderSize = 48
	ChannelConfigSize      = 227
	DriverConfigSize       = DriverConfigHeaderSize + XL_CONFIG_MAX_CHANNELS*ChannelConfigSize

	OffDllVersion   = 0
	OffChannelCount = 4
)

// XLchannelConfig 内的字段偏移
const (
	OffName                 = 0 // [XL_MAX_LENGTH+1]byte
	OffHwType               = 32
	OffHwIndex              = 33
	OffHwChannel            = 34
	OffTransceiverType      = 35
	OffTransceiverState     = 37
	OffConfigError          = 39
	OffChannelIndex         = 41
	OffChannelMask          = 42
	OffChannelCapabilities  = 50
	OffChannelBusCaps       = 54
	OffIsOnBus              = 58
	OffConnectedBusType     = 59
	OffBusParams            = 63 // XLbusParams, 32 字节
	OffDriverVersion        = 99
	OffInterfaceVersion     = 103
	OffRawData              = 107
	OffSerialNumber         = 147
	OffArticleNumber        = 151
	OffTransceiverName      = 155 // [XL_MAX_LENGTH+1]byte
	OffSpecialCabFlags      = 187
	OffDominantTimeout      = 191
	OffDominantRecessiveDly = 195
	OffRecessiveDominantDly = 196
	OffConnectionInfo       = 197
	OffCurrentlyAvailTS     = 198
	OffMinimalSupplyVoltage = 199
	OffMaximalSupplyVoltage = 201
	OffMaximalBaudrate      = 203
	OffFpgaCoreCaps         = 207
	OffSpecialDeviceStatus  = 208
	OffBusActiveCaps        = 209
	OffBreakOffset          = 211
	OffDelimiterOffset      = 213
	OffReserved             = 215
)

// XLbusParams 内部：busType 之后是 28 字节联合体 (can / canFD / ...)
const (
	BusParamsSize = 32
	OffBPBusType  = 0
	OffBPData     = 4

	// data.can
	OffCanBitRate    = 0
	OffCanSJW        = 4
	OffCanTseg1      = 5
	OffCanTseg2      = 6
	OffCanSam        = 7
	OffCanOutputMode = 8
	OffCanOpMode     = 16

	// data.canFD
	OffFdArbitrationBitRate = 0
	OffFdSjwAbr             = 4
	OffFdTseg1Abr           = 5
	OffFdTseg2Abr           = 6
	OffFdSamAbr             = 7
	OffFdOutputMode         = 8
	OffFdSjwDbr             = 9
	OffFdTseg1Dbr           = 10
	OffFdTseg2Dbr           = 11
	OffFdDataBitRate        = 12
	OffFdCanOpMode          = 16
)

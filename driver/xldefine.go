package driver

import (
	"fmt"
	"strconv"
)

// Status 是 vxlapi 每个调用的返回码，XL_SUCCESS 以外都是错误。
type Status int16

const (
	XL_SUCCESS                   Status = 0
	XL_PENDING                   Status = 1
	XL_ERR_QUEUE_IS_EMPTY        Status = 10
	XL_ERR_QUEUE_IS_FULL         Status = 11
	XL_ERR_TX_NOT_POSSIBLE       Status = 12
	XL_ERR_NO_LICENSE            Status = 14
	XL_ERR_WRONG_PARAMETER       Status = 101
	XL_ERR_TWICE_REGISTER        Status = 110
	XL_ERR_INVALID_CHAN_INDEX    Status = 111
	XL_ERR_INVALID_ACCESS        Status = 112
	XL_ERR_PORT_IS_OFFLINE       Status = 113
	XL_ERR_CHAN_IS_ONLINE        Status = 116
	XL_ERR_NOT_IMPLEMENTED       Status = 117
	XL_ERR_INVALID_PORT          Status = 118
	XL_ERR_HW_NOT_READY          Status = 120
	XL_ERR_CMD_TIMEOUT           Status = 121
	XL_ERR_HW_NOT_PRESENT        Status = 129
	XL_ERR_NOTIFY_ALREADY_ACTIVE Status = 131
	XL_ERR_NO_RESOURCES          Status = 152
	XL_ERR_WRONG_CHIP_TYPE       Status = 153
	XL_ERR_WRONG_COMMAND         Status = 154
	XL_ERR_INVALID_HANDLE        Status = 155
	XL_ERR_RESERVED_NOT_ZERO     Status = 157
	XL_ERR_INIT_ACCESS_MISSING   Status = 158
	XL_ERR_CANNOT_OPEN_DRIVER    Status = 201
	XL_ERR_WRONG_BUS_TYPE        Status = 202
	XL_ERR_DLL_NOT_FOUND         Status = 203
	XL_ERR_INVALID_CHANNEL_MASK  Status = 204
	XL_ERR_NOT_SUPPORTED         Status = 205
	XL_ERR_CONNECTION_BROKEN     Status = 210
	XL_ERR_CONNECTION_CLOSED     Status = 211
	XL_ERR_INVALID_STREAM_NAME   Status = 212
	XL_ERR_CONNECTION_FAILED     Status = 213
	XL_ERR_STREAM_NOT_FOUND      Status = 214
	XL_ERR_STREAM_NOT_CONNECTED  Status = 215
	XL_ERR_QUEUE_OVERRUN         Status = 216
	XL_ERROR                     Status = 255
)

var statusNames = map[Status]string{
	XL_SUCCESS:                   "XL_SUCCESS",
	XL_PENDING:                   "XL_PENDING",
	XL_ERR_QUEUE_IS_EMPTY:        "XL_ERR_QUEUE_IS_EMPTY",
	XL_ERR_QUEUE_IS_FULL:         "XL_ERR_QUEUE_IS_FULL",
	XL_ERR_TX_NOT_POSSIBLE:       "XL_ERR_TX_NOT_POSSIBLE",
	XL_ERR_NO_LICENSE:            "XL_ERR_NO_LICENSE",
	XL_ERR_WRONG_PARAMETER:       "XL_ERR_WRONG_PARAMETER",
	XL_ERR_TWICE_REGISTER:        "XL_ERR_TWICE_REGISTER",
	XL_ERR_INVALID_CHAN_INDEX:    "XL_ERR_INVALID_CHAN_INDEX",
	XL_ERR_INVALID_ACCESS:        "XL_ERR_INVALID_ACCESS",
	XL_ERR_PORT_IS_OFFLINE:       "XL_ERR_PORT_IS_OFFLINE",
	XL_ERR_CHAN_IS_ONLINE:        "XL_ERR_CHAN_IS_ONLINE",
	XL_ERR_NOT_IMPLEMENTED:       "XL_ERR_NOT_IMPLEMENTED",
	XL_ERR_INVALID_PORT:          "XL_ERR_INVALID_PORT",
	XL_ERR_HW_NOT_READY:          "XL_ERR_HW_NOT_READY",
	XL_ERR_CMD_TIMEOUT:           "XL_ERR_CMD_TIMEOUT",
	XL_ERR_HW_NOT_PRESENT:        "XL_ERR_HW_NOT_PRESENT",
	XL_ERR_NOTIFY_ALREADY_ACTIVE: "XL_ERR_NOTIFY_ALREADY_ACTIVE",
	XL_ERR_NO_RESOURCES:          "XL_ERR_NO_RESOURCES",
	XL_ERR_WRONG_CHIP_TYPE:       "XL_ERR_WRONG_CHIP_TYPE",
	XL_ERR_WRONG_COMMAND:         "XL_ERR_WRONG_COMMAND",
	XL_ERR_INVALID_HANDLE:        "XL_ERR_INVALID_HANDLE",
	XL_ERR_RESERVED_NOT_ZERO:     "XL_ERR_RESERVED_NOT_ZERO",
	XL_ERR_INIT_ACCESS_MISSING:   "XL_ERR_INIT_ACCESS_MISSING",
	XL_ERR_CANNOT_OPEN_DRIVER:    "XL_ERR_CANNOT_OPEN_DRIVER",
	XL_ERR_WRONG_BUS_TYPE:        "XL_ERR_WRONG_BUS_TYPE",
	XL_ERR_DLL_NOT_FOUND:         "XL_ERR_DLL_NOT_FOUND",
	XL_ERR_INVALID_CHANNEL_MASK:  "XL_ERR_INVALID_CHANNEL_MASK",
	XL_ERR_NOT_SUPPORTED:         "XL_ERR_NOT_SUPPORTED",
	XL_ERR_CONNECTION_BROKEN:     "XL_ERR_CONNECTION_BROKEN",
	XL_ERR_CONNECTION_CLOSED:     "XL_ERR_CONNECTION_CLOSED",
	XL_ERR_INVALID_STREAM_NAME:   "XL_ERR_INVALID_STREAM_NAME",
	XL_ERR_CONNECTION_FAILED:     "XL_ERR_CONNECTION_FAILED",
	XL_ERR_STREAM_NOT_FOUND:      "XL_ERR_STREAM_NOT_FOUND",
	XL_ERR_STREAM_NOT_CONNECTED:  "XL_ERR_STREAM_NOT_CONNECTED",
	XL_ERR_QUEUE_OVERRUN:         "XL_ERR_QUEUE_OVERRUN",
	XL_ERROR:                     "XL_ERROR",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("XL_STATUS(%d)", int(s))
}

// BusType
type BusType uint32

const (
	XL_BUS_TYPE_NONE     BusType = 0x00000000
	XL_BUS_TYPE_CAN      BusType = 0x00000001
	XL_BUS_TYPE_LIN      BusType = 0x00000002
	XL_BUS_TYPE_FLEXRAY  BusType = 0x00000004
	XL_BUS_TYPE_MOST     BusType = 0x00000010
	XL_BUS_TYPE_DAIO     BusType = 0x00000040
	XL_BUS_TYPE_J1708    BusType = 0x00000100
	XL_BUS_TYPE_KLINE    BusType = 0x00000800
	XL_BUS_TYPE_ETHERNET BusType = 0x00001000
	XL_BUS_TYPE_A429     BusType = 0x00002000
)

// InterfaceVersion 决定端口使用哪一套事件 ABI：V4 为 CAN-FD (XLcanRxEvent)。
type InterfaceVersion uint32

const (
	XL_INTERFACE_VERSION_V2 InterfaceVersion = 2
	XL_INTERFACE_VERSION_V3 InterfaceVersion = 3
	XL_INTERFACE_VERSION_V4 InterfaceVersion = 4
	XL_INTERFACE_VERSION    InterfaceVersion = XL_INTERFACE_VERSION_V3
)

type OutputMode uint8

const (
	XL_OUTPUT_MODE_SILENT          OutputMode = 0
	XL_OUTPUT_MODE_NORMAL          OutputMode = 1
	XL_OUTPUT_MODE_TX_OFF          OutputMode = 2
	XL_OUTPUT_MODE_SJA_1000_SILENT OutputMode = 3
)

type ActivateFlags uint32

const (
	XL_ACTIVATE_NONE        ActivateFlags = 0
	XL_ACTIVATE_RESET_CLOCK ActivateFlags = 8
)

// 经典 ABI (XLevent) 的事件标签
type EventTag uint8

const (
	XL_NO_COMMAND               EventTag = 0
	XL_RECEIVE_MSG              EventTag = 1
	XL_CHIP_STATE               EventTag = 4
	XL_TRANSCEIVER              EventTag = 6
	XL_TIMER                    EventTag = 8
	XL_TRANSMIT_MSG             EventTag = 10
	XL_SYNC_PULSE               EventTag = 11
	XL_APPLICATION_NOTIFICATION EventTag = 15
)

// CAN-FD ABI (XLcanRxEvent / XLcanTxEvent) 的事件标签
type FDEventTag uint16

const (
	XL_CAN_EV_TAG_RX_OK      FDEventTag = 0x0400
	XL_CAN_EV_TAG_RX_ERROR   FDEventTag = 0x0401
	XL_CAN_EV_TAG_TX_ERROR   FDEventTag = 0x0402
	XL_CAN_EV_TAG_TX_REQUEST FDEventTag = 0x0403
	XL_CAN_EV_TAG_TX_OK      FDEventTag = 0x0404
	XL_CAN_EV_TAG_CHIP_STATE FDEventTag = 0x0409
	XL_CAN_EV_TAG_TX_MSG     FDEventTag = 0x0440
)

// 经典 ABI 的报文标志 (s_xl_can_msg.flags)
type MessageFlags uint16

const (
	XL_CAN_MSG_FLAG_NONE         MessageFlags = 0x00
	XL_CAN_MSG_FLAG_ERROR_FRAME  MessageFlags = 0x01
	XL_CAN_MSG_FLAG_OVERRUN      MessageFlags = 0x02
	XL_CAN_MSG_FLAG_NERR         MessageFlags = 0x04
	XL_CAN_MSG_FLAG_WAKEUP       MessageFlags = 0x08
	XL_CAN_MSG_FLAG_REMOTE_FRAME MessageFlags = 0x10
	XL_CAN_MSG_FLAG_RESERVED_1   MessageFlags = 0x20
	XL_CAN_MSG_FLAG_TX_COMPLETED MessageFlags = 0x40
	XL_CAN_MSG_FLAG_TX_REQUEST   MessageFlags = 0x80
	XL_CAN_MSG_FLAG_SRR_BIT_DOM  MessageFlags = 0x0200
)

// XL_CAN_EXT_MSG_ID 是 id 字段里的扩展帧标志位
const XL_CAN_EXT_MSG_ID uint32 = 0x80000000

// CAN-FD 接收标志 (s_xl_can_ev_rx_msg.msgFlags)
type RxMessageFlags uint32

const (
	XL_CAN_RXMSG_FLAG_NONE     RxMessageFlags = 0x0000
	XL_CAN_RXMSG_FLAG_EDL      RxMessageFlags = 0x0001
	XL_CAN_RXMSG_FLAG_BRS      RxMessageFlags = 0x0002
	XL_CAN_RXMSG_FLAG_ESI      RxMessageFlags = 0x0004
	XL_CAN_RXMSG_FLAG_RTR      RxMessageFlags = 0x0010
	XL_CAN_RXMSG_FLAG_EF       RxMessageFlags = 0x0200
	XL_CAN_RXMSG_FLAG_ARB_LOST RxMessageFlags = 0x0400
	XL_CAN_RXMSG_FLAG_WAKEUP   RxMessageFlags = 0x2000
	XL_CAN_RXMSG_FLAG_TE       RxMessageFlags = 0x4000
)

// CAN-FD 发送标志 (XL_CAN_TX_MSG.msgFlags)
type TxMessageFlags uint32

const (
	XL_CAN_TXMSG_FLAG_NONE     TxMessageFlags = 0x0000
	XL_CAN_TXMSG_FLAG_EDL      TxMessageFlags = 0x0001
	XL_CAN_TXMSG_FLAG_BRS      TxMessageFlags = 0x0002
	XL_CAN_TXMSG_FLAG_RTR      TxMessageFlags = 0x0010
	XL_CAN_TXMSG_FLAG_HIGHPRIO TxMessageFlags = 0x0080
	XL_CAN_TXMSG_FLAG_WAKEUP   TxMessageFlags = 0x0200
)

// 芯片状态事件中的 busStatus
const (
	XL_CHIPSTAT_BUSOFF        uint8 = 0x01
	XL_CHIPSTAT_ERROR_PASSIVE uint8 = 0x02
	XL_CHIPSTAT_ERROR_WARNING uint8 = 0x04
	XL_CHIPSTAT_ERROR_ACTIVE  uint8 = 0x08
)

// 通道能力 (channelCapabilities)
const (
	XL_CHANNEL_FLAG_TIME_SYNC_RUNNING   uint32 = 0x00000001
	XL_CHANNEL_FLAG_NO_HWSYNC_SUPPORT   uint32 = 0x00000400
	XL_CHANNEL_FLAG_SPDIF_CAPABLE       uint32 = 0x00004000
	XL_CHANNEL_FLAG_CANFD_BOSCH_SUPPORT uint32 = 0x20000000
	XL_CHANNEL_FLAG_CMACTLICENSE        uint32 = 0x40000000
	XL_CHANNEL_FLAG_CANFD_ISO_SUPPORT   uint32 = 0x80000000
)

// 总线能力 (channelBusCapabilities)，高 16 位为 "active" 能力
const (
	XL_BUS_COMPATIBLE_CAN uint32 = 0x00000001
	XL_BUS_ACTIVE_CAP_CAN uint32 = XL_BUS_COMPATIBLE_CAN << 16
)

// busParams 里的 canOpMode
const (
	XL_BUS_PARAMS_CANOPMODE_CAN20        uint8 = 0x01
	XL_BUS_PARAMS_CANOPMODE_CANFD        uint8 = 0x02
	XL_BUS_PARAMS_CANOPMODE_CANFD_NO_ISO uint8 = 0x08
)

// XLcanFdConf.options
const CANFD_CONFOPT_NO_ISO uint8 = 0x08

type HardwareType uint32

const (
	XL_HWTYPE_NONE       HardwareType = 0
	XL_HWTYPE_VIRTUAL    HardwareType = 1
	XL_HWTYPE_CANCARDX   HardwareType = 2
	XL_HWTYPE_CANAC2PCI  HardwareType = 6
	XL_HWTYPE_CANCARDY   HardwareType = 12
	XL_HWTYPE_CANCARDXL  HardwareType = 15
	XL_HWTYPE_CANCASEXL  HardwareType = 21
	XL_HWTYPE_CANBOARDXL HardwareType = 25
	XL_HWTYPE_VN2600     HardwareType = 29
	XL_HWTYPE_VN3300     HardwareType = 37
	XL_HWTYPE_VN3600     HardwareType = 39
	XL_HWTYPE_VN7600     HardwareType = 41
	XL_HWTYPE_CANCARDXLE HardwareType = 43
	XL_HWTYPE_VN8900     HardwareType = 45
	XL_HWTYPE_VN2640     HardwareType = 47
	XL_HWTYPE_VN1610     HardwareType = 55
	XL_HWTYPE_VN1630     HardwareType = 57
	XL_HWTYPE_VN1640     HardwareType = 59
	XL_HWTYPE_VN8970     HardwareType = 61
	XL_HWTYPE_VN1611     HardwareType = 63
	XL_HWTYPE_VN5610     HardwareType = 65
	XL_HWTYPE_VN7570     HardwareType = 67
	XL_HWTYPE_VN7610     HardwareType = 73
	XL_HWTYPE_VN1670     HardwareType = 96
	XL_HWTYPE_VN5640     HardwareType = 102
	XL_HWTYPE_VN8810     HardwareType = 108
)

var hwTypeNames = map[HardwareType]string{
	XL_HWTYPE_NONE:       "NONE",
	XL_HWTYPE_VIRTUAL:    "VIRTUAL",
	XL_HWTYPE_CANCARDX:   "CANCARDX",
	XL_HWTYPE_CANAC2PCI:  "CANAC2PCI",
	XL_HWTYPE_CANCARDY:   "CANCARDY",
	XL_HWTYPE_CANCARDXL:  "CANCARDXL",
	XL_HWTYPE_CANCASEXL:  "CANCASEXL",
	XL_HWTYPE_CANBOARDXL: "CANBOARDXL",
	XL_HWTYPE_VN2600:     "VN2600",
	XL_HWTYPE_VN3300:     "VN3300",
	XL_HWTYPE_VN3600:     "VN3600",
	XL_HWTYPE_VN7600:     "VN7600",
	XL_HWTYPE_CANCARDXLE: "CANCARDXLE",
	XL_HWTYPE_VN8900:     "VN8900",
	XL_HWTYPE_VN2640:     "VN2640",
	XL_HWTYPE_VN1610:     "VN1610",
	XL_HWTYPE_VN1630:     "VN1630",
	XL_HWTYPE_VN1640:     "VN1640",
	XL_HWTYPE_VN8970:     "VN8970",
	XL_HWTYPE_VN1611:     "VN1611",
	XL_HWTYPE_VN5610:     "VN5610",
	XL_HWTYPE_VN7570:     "VN7570",
	XL_HWTYPE_VN7610:     "VN7610",
	XL_HWTYPE_VN1670:     "VN1670",
	XL_HWTYPE_VN5640:     "VN5640",
	XL_HWTYPE_VN8810:     "VN8810",
}

func (h HardwareType) String() string {
	if name, ok := hwTypeNames[h]; ok {
		return name
	}
	return fmt.Sprintf("HWTYPE(%d)", uint32(h))
}

// ParseHardwareType 接受名字 ("VN1630", "XL_HWTYPE_VN1630") 或数字
func ParseHardwareType(s string) (HardwareType, error) {
	for h, name := range hwTypeNames {
		if s == name || s == "XL_HWTYPE_"+name {
			return h, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return XL_HWTYPE_NONE, fmt.Errorf("unknown hardware type %q", s)
	}
	return HardwareType(n), nil
}

const (
	// XL_CONFIG_MAX_CHANNELS 是 XLdriverConfig 中固定的记录数
	XL_CONFIG_MAX_CHANNELS = 64
	XL_MAX_LENGTH          = 31
	XL_CAN_MAX_DATA_LEN    = 64
	MAX_MSG_LEN            = 8
)

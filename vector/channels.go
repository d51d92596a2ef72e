package vector

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/LoveWonYoung/vxlcan/driver"
)

// CanParams 是 busParams 联合体的经典 CAN 视图
type CanParams struct {
	Bitrate    uint32
	SJW        uint8
	Tseg1      uint8
	Tseg2      uint8
	Sam        uint8
	OutputMode driver.OutputMode
	CanOpMode  uint8
}

// CanFdParams 是 busParams 联合体的 CAN-FD 视图
type CanFdParams struct {
	Bitrate     uint32
	DataBitrate uint32
	SjwAbr      uint8
	Tseg1Abr    uint8
	Tseg2Abr    uint8
	SamAbr      uint8
	SjwDbr      uint8
	Tseg1Dbr    uint8
	Tseg2Dbr    uint8
	OutputMode  driver.OutputMode
	CanOpMode   uint8
}

// BusParams 是通道当前的总线参数快照
type BusParams struct {
	BusType driver.BusType
	CAN     CanParams
	CANFD   CanFdParams
}

// ChannelConfig 是驱动通道表中的一条记录，解析后不再修改
type ChannelConfig struct {
	Name                   string
	HwType                 driver.HardwareType
	HwIndex                int
	HwChannel              int
	TransceiverType        uint16
	TransceiverState       uint16
	ChannelIndex           int
	ChannelMask            uint64
	ChannelCapabilities    uint32
	ChannelBusCapabilities uint32
	IsOnBus                bool
	ConnectedBusType       driver.BusType
	BusParams              BusParams
	DriverVersion          uint32
	InterfaceVersion       uint32
	SerialNumber           uint32
	ArticleNumber          uint32
	TransceiverName        string
	MaximalBaudrate        uint32
}

// SupportsFD 报告通道是否支持 ISO CAN-FD
func (c ChannelConfig) SupportsFD() bool {
	return c.ChannelCapabilities&driver.XL_CHANNEL_FLAG_CANFD_ISO_SUPPORT != 0
}

// SupportsCAN 报告通道是否能作为 CAN 通道激活
func (c ChannelConfig) SupportsCAN() bool {
	return c.ChannelBusCapabilities&driver.XL_BUS_ACTIVE_CAP_CAN != 0
}

func (c ChannelConfig) String() string {
	return fmt.Sprintf("%-24s idx=%-2d %s (hwIndex %d, ch %d) serial=%d transceiver=%q",
		c.Name, c.ChannelIndex, c.HwType, c.HwIndex, c.HwChannel, c.SerialNumber, c.TransceiverName)
}

// DriverConfig 是 XLdriverConfig 的解析结果
type DriverConfig struct {
	DllVersion uint32
	Channels   []ChannelConfig
}

// ParseDriverConfig 解析 xlGetDriverConfig 返回的原始字节。
// 声明的通道数超过 64 或超出 buf 长度时返回错误，不做越界读取。
func ParseDriverConfig(buf []byte) (DriverConfig, error) {
	if len(buf) < driver.DriverConfigHeaderSize {
		return DriverConfig{}, fmt.Errorf("driver config too short: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	cfg := DriverConfig{DllVersion: le.Uint32(buf[driver.OffDllVersion:])}
	count := int(le.Uint32(buf[driver.OffChannelCount:]))
	if count > driver.XL_CONFIG_MAX_CHANNELS {
		return DriverConfig{}, fmt.Errorf("driver config declares %d channels, at most %d supported", count, driver.XL_CONFIG_MAX_CHANNELS)
	}
	need := driver.DriverConfigHeaderSize + count*driver.ChannelConfigSize
	if need > len(buf) {
		return DriverConfig{}, fmt.Errorf("driver config declares %d channels but holds %d bytes, need %d", count, len(buf), need)
	}
	cfg.Channels = make([]ChannelConfig, 0, count)
	for i := 0; i < count; i++ {
		off := driver.DriverConfigHeaderSize + i*driver.ChannelConfigSize
		cfg.Channels = append(cfg.Channels, parseChannelConfig(buf[off:off+driver.ChannelConfigSize]))
	}
	return cfg, nil
}

func parseChannelConfig(rec []byte) ChannelConfig {
	le := binary.LittleEndian
	return ChannelConfig{
		Name:                   driver.CString(rec[driver.OffName : driver.OffName+driver.XL_MAX_LENGTH+1]),
		HwType:                 driver.HardwareType(rec[driver.OffHwType]),
		HwIndex:                int(rec[driver.OffHwIndex]),
		HwChannel:              int(rec[driver.OffHwChannel]),
		TransceiverType:        le.Uint16(rec[driver.OffTransceiverType:]),
		TransceiverState:       le.Uint16(rec[driver.OffTransceiverState:]),
		ChannelIndex:           int(rec[driver.OffChannelIndex]),
		ChannelMask:            le.Uint64(rec[driver.OffChannelMask:]),
		ChannelCapabilities:    le.Uint32(rec[driver.OffChannelCapabilities:]),
		ChannelBusCapabilities: le.Uint32(rec[driver.OffChannelBusCaps:]),
		IsOnBus:                rec[driver.OffIsOnBus] != 0,
		ConnectedBusType:       driver.BusType(le.Uint32(rec[driver.OffConnectedBusType:])),
		BusParams:              parseBusParams(rec[driver.OffBusParams : driver.OffBusParams+driver.BusParamsSize]),
		DriverVersion:          le.Uint32(rec[driver.OffDriverVersion:]),
		InterfaceVersion:       le.Uint32(rec[driver.OffInterfaceVersion:]),
		SerialNumber:           le.Uint32(rec[driver.OffSerialNumber:]),
		ArticleNumber:          le.Uint32(rec[driver.OffArticleNumber:]),
		TransceiverName:        driver.CString(rec[driver.OffTransceiverName : driver.OffTransceiverName+driver.XL_MAX_LENGTH+1]),
		MaximalBaudrate:        le.Uint32(rec[driver.OffMaximalBaudrate:]),
	}
}

func parseBusParams(b []byte) BusParams {
	le := binary.LittleEndian
	bp := BusParams{BusType: driver.BusType(le.Uint32(b[driver.OffBPBusType:]))}
	if bp.BusType != driver.XL_BUS_TYPE_CAN {
		return bp
	}
	d := b[driver.OffBPData:]
	bp.CAN = CanParams{
		Bitrate:    le.Uint32(d[driver.OffCanBitRate:]),
		SJW:        d[driver.OffCanSJW],
		Tseg1:      d[driver.OffCanTseg1],
		Tseg2:      d[driver.OffCanTseg2],
		Sam:        d[driver.OffCanSam],
		OutputMode: driver.OutputMode(d[driver.OffCanOutputMode]),
		CanOpMode:  d[driver.OffCanOpMode],
	}
	bp.CANFD = CanFdParams{
		Bitrate:     le.Uint32(d[driver.OffFdArbitrationBitRate:]),
		DataBitrate: le.Uint32(d[driver.OffFdDataBitRate:]),
		SjwAbr:      d[driver.OffFdSjwAbr],
		Tseg1Abr:    d[driver.OffFdTseg1Abr],
		Tseg2Abr:    d[driver.OffFdTseg2Abr],
		SamAbr:      d[driver.OffFdSamAbr],
		SjwDbr:      d[driver.OffFdSjwDbr],
		Tseg1Dbr:    d[driver.OffFdTseg1Dbr],
		Tseg2Dbr:    d[driver.OffFdTseg2Dbr],
		OutputMode:  driver.OutputMode(d[driver.OffFdOutputMode]),
		CanOpMode:   d[driver.OffFdCanOpMode],
	}
	return bp
}

// Registry 保存一次读取到的通道表
type Registry struct {
	dllVersion uint32
	channels   []ChannelConfig
}

func NewRegistry(cfg DriverConfig) *Registry {
	return &Registry{dllVersion: cfg.DllVersion, channels: cfg.Channels}
}

// LoadRegistry 打开驱动读取通道表后关闭驱动
func LoadRegistry(drv driver.Driver) (*Registry, error) {
	if st := drv.OpenDriver(); st != driver.XL_SUCCESS {
		return nil, statusError(drv, st, "xlOpenDriver", KindInitialization)
	}
	defer func() {
		if st := drv.CloseDriver(); st != driver.XL_SUCCESS {
			log.Printf("[vector] xlCloseDriver: %s", drv.GetErrorString(st))
		}
	}()
	return readRegistry(drv)
}

// readRegistry 要求驱动已经打开
func readRegistry(drv driver.Driver) (*Registry, error) {
	buf := make([]byte, driver.DriverConfigSize)
	if st := drv.GetDriverConfig(buf); st != driver.XL_SUCCESS {
		return nil, statusError(drv, st, "xlGetDriverConfig", KindInitialization)
	}
	cfg, err := ParseDriverConfig(buf)
	if err != nil {
		return nil, fmt.Errorf("xlGetDriverConfig: %w", err)
	}
	return NewRegistry(cfg), nil
}

func (r *Registry) DllVersion() uint32 { return r.dllVersion }

// Channels 返回通道表的副本
func (r *Registry) Channels() []ChannelConfig {
	return append([]ChannelConfig(nil), r.channels...)
}

// FindBySerialAndChannel 按设备序列号和设备内通道号查找
func (r *Registry) FindBySerialAndChannel(serial uint32, hwChannel int) (ChannelConfig, error) {
	serialFound := false
	for _, c := range r.channels {
		if c.SerialNumber != serial {
			continue
		}
		serialFound = true
		if c.HwChannel == hwChannel {
			return c, nil
		}
	}
	if !serialFound {
		return ChannelConfig{}, LookupError{Msg: fmt.Sprintf("no interface with serial %d found", serial)}
	}
	return ChannelConfig{}, LookupError{Msg: fmt.Sprintf("channel %d not found on interface with serial %d", hwChannel, serial)}
}

// FindByIndex 按全局通道索引查找
func (r *Registry) FindByIndex(index int) (ChannelConfig, error) {
	for _, c := range r.channels {
		if c.ChannelIndex == index {
			return c, nil
		}
	}
	return ChannelConfig{}, LookupError{Msg: fmt.Sprintf("no channel with index %d", index)}
}

// Available 返回可以作为 CAN 通道使用的记录
func (r *Registry) Available() []ChannelConfig {
	var out []ChannelConfig
	for _, c := range r.channels {
		if c.SupportsCAN() {
			out = append(out, c)
		}
	}
	return out
}

// GetChannelConfigs 读取通道表，驱动不可用时返回空列表
func GetChannelConfigs(drv driver.Driver) []ChannelConfig {
	reg, err := LoadRegistry(drv)
	if err != nil {
		log.Printf("[vector] could not read channel configuration: %v", err)
		return nil
	}
	return reg.Channels()
}

// statusError 把驱动状态码包装成指定类别的错误
func statusError(drv driver.Driver, st driver.Status, op string, kind Kind) error {
	return Promote(NewVectorError(st, drv.GetErrorString(st), op), kind)
}

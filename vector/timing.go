package vector

import (
	"fmt"
	"strings"

	"github.com/LoveWonYoung/vxlcan/driver"
)

// OutputMode 是总线的输出模式
type OutputMode int

const (
	OutputNormal OutputMode = iota
	// OutputLoopback 时本节点发出的报文也会作为 Rx=false 的报文收到
	OutputLoopback
	// OutputSilent 只听不发 (listen only)
	OutputSilent
)

func (m OutputMode) String() string {
	switch m {
	case OutputNormal:
		return "normal"
	case OutputLoopback:
		return "loopback"
	case OutputSilent:
		return "silent"
	}
	return fmt.Sprintf("OutputMode(%d)", int(m))
}

func ParseOutputMode(s string) (OutputMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return OutputNormal, nil
	case "loopback":
		return OutputLoopback, nil
	case "silent", "listen_only", "listen-only":
		return OutputSilent, nil
	}
	return 0, ConfigurationError{Field: "output", Msg: fmt.Sprintf("unknown output mode %q", s)}
}

func (m OutputMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *OutputMode) UnmarshalText(b []byte) error {
	v, err := ParseOutputMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// driverMode 返回 xlCanSetChannelOutput 使用的常量
func (m OutputMode) driverMode() driver.OutputMode {
	if m == OutputSilent {
		return driver.XL_OUTPUT_MODE_SILENT
	}
	return driver.XL_OUTPUT_MODE_NORMAL
}

// BitTiming 是经典 CAN 的显式位定时
type BitTiming struct {
	Clock   uint32 // 控制器时钟 Hz
	Bitrate uint32
	SJW     int
	Tseg1   int
	Tseg2   int
	// Samples 为 1 或 3，0 视为 1
	Samples int
}

// PhaseTiming 是 CAN-FD 一个阶段的位定时
type PhaseTiming struct {
	Bitrate uint32
	SJW     int
	Tseg1   int
	Tseg2   int
}

// BitTimingFD 是 CAN-FD 仲裁段和数据段的显式位定时
type BitTimingFD struct {
	Clock   uint32
	Nominal PhaseTiming
	Data    PhaseTiming
}

// FD 只给出比特率时使用的默认段参数
const (
	DefaultBitrate  = 500_000
	defaultFDSjw    = 2
	defaultFDTseg1  = 6
	defaultFDTseg2  = 3
	maxC200Clock    = 8_000_000
	sja1000MaxBrp   = 64
	fdMaxBrp        = 256
	classicSamples1 = 1
	classicSamples3 = 3
)

// BusConfig 是调用方请求的总线配置。
// 经典模式下 Bitrate 和 Timing 至多给一个；FD 模式下 TimingFD 与扁平比特率/段参数互斥。
type BusConfig struct {
	FD          bool
	Bitrate     uint32
	Timing      *BitTiming
	DataBitrate uint32
	TimingFD    *BitTimingFD

	// FD 只给比特率时的段参数，0 表示使用默认值
	SjwAbr   int
	Tseg1Abr int
	Tseg2Abr int
	SjwDbr   int
	Tseg1Dbr int
	Tseg2Dbr int

	// FDNonISO 使用 Bosch 非 ISO CAN-FD 帧格式
	FDNonISO bool
	Output   OutputMode
}

func (c BusConfig) hasFlatFDFields() bool {
	return c.DataBitrate != 0 || c.SjwAbr != 0 || c.Tseg1Abr != 0 || c.Tseg2Abr != 0 ||
		c.SjwDbr != 0 || c.Tseg1Dbr != 0 || c.Tseg2Dbr != 0
}

// Validate 检查字段组合，不检查取值范围 (由 BuildParams 完成)
func (c BusConfig) Validate() error {
	if c.Output < OutputNormal || c.Output > OutputSilent {
		return ConfigurationError{Field: "output", Msg: fmt.Sprintf("unknown output mode %d", int(c.Output))}
	}
	if !c.FD {
		if c.TimingFD != nil || c.hasFlatFDFields() || c.FDNonISO {
			return ConfigurationError{Field: "fd", Msg: "CAN FD timing given for a classic CAN bus"}
		}
		if c.Timing != nil && c.Bitrate != 0 && c.Bitrate != c.Timing.Bitrate {
			return ConfigurationError{Field: "bitrate", Msg: "bitrate conflicts with timing.bitrate"}
		}
		return nil
	}
	if c.Timing != nil {
		return ConfigurationError{Field: "timing", Msg: "classic bit timing given for a CAN FD bus, use timing_fd"}
	}
	if c.TimingFD != nil {
		if c.hasFlatFDFields() {
			return ConfigurationError{Field: "timing_fd", Msg: "timing_fd cannot be combined with flat data bitrate or segment values"}
		}
		if c.Bitrate != 0 && c.Bitrate != c.TimingFD.Nominal.Bitrate {
			return ConfigurationError{Field: "bitrate", Msg: "bitrate conflicts with timing_fd nominal bitrate"}
		}
	}
	return nil
}

// ParamBlock 是驱动形状的参数块，每种路径一个实现
type ParamBlock interface {
	// Operation 返回下发该参数块的 vxlapi 函数名
	Operation() string
	apply(drv driver.Driver, port driver.PortHandle, mask driver.AccessMask) driver.Status
}

// BitrateParams 路径 A: xlCanSetChannelBitrate
type BitrateParams struct {
	Bitrate uint32
}

// C200Params 路径 B: 时钟 <= 8 MHz 的 SJA1000 寄存器 BTR0/BTR1
type C200Params struct {
	BTR0 uint8
	BTR1 uint8
}

// ChipParams 路径 C: xlCanSetChannelParams
type ChipParams struct {
	Bitrate uint32
	SJW     uint8
	Tseg1   uint8
	Tseg2   uint8
	Sam     uint8
}

// FDParams 路径 D: xlCanFdSetConfiguration，端口必须以 V4 接口打开
type FDParams struct {
	ArbitrationBitrate uint32
	SjwAbr             uint32
	Tseg1Abr           uint32
	Tseg2Abr           uint32
	DataBitrate        uint32
	SjwDbr             uint32
	Tseg1Dbr           uint32
	Tseg2Dbr           uint32
	NonISO             bool
}

func (BitrateParams) Operation() string { return "xlCanSetChannelBitrate" }
func (C200Params) Operation() string    { return "xlCanSetChannelParamsC200" }
func (ChipParams) Operation() string    { return "xlCanSetChannelParams" }
func (FDParams) Operation() string      { return "xlCanFdSetConfiguration" }

func (p BitrateParams) apply(drv driver.Driver, port driver.PortHandle, mask driver.AccessMask) driver.Status {
	return drv.CanSetChannelBitrate(port, mask, p.Bitrate)
}

func (p C200Params) apply(drv driver.Driver, port driver.PortHandle, mask driver.AccessMask) driver.Status {
	return drv.CanSetChannelParamsC200(port, mask, p.BTR0, p.BTR1)
}

func (p ChipParams) apply(drv driver.Driver, port driver.PortHandle, mask driver.AccessMask) driver.Status {
	cp := driver.ChipParams{BitRate: p.Bitrate, SJW: p.SJW, Tseg1: p.Tseg1, Tseg2: p.Tseg2, Sam: p.Sam}
	return drv.CanSetChannelParams(port, mask, &cp)
}

func (p FDParams) apply(drv driver.Driver, port driver.PortHandle, mask driver.AccessMask) driver.Status {
	conf := p.Conf()
	return drv.CanFdSetConfiguration(port, mask, &conf)
}

// Conf 返回驱动结构体 XLcanFdConf
func (p FDParams) Conf() driver.CanFdConf {
	conf := driver.CanFdConf{
		ArbitrationBitRate: p.ArbitrationBitrate,
		SjwAbr:             p.SjwAbr,
		Tseg1Abr:           p.Tseg1Abr,
		Tseg2Abr:           p.Tseg2Abr,
		DataBitRate:        p.DataBitrate,
		SjwDbr:             p.SjwDbr,
		Tseg1Dbr:           p.Tseg1Dbr,
		Tseg2Dbr:           p.Tseg2Dbr,
	}
	if p.NonISO {
		conf.Options = driver.CANFD_CONFOPT_NO_ISO
	}
	return conf
}

// OpMode 返回 busParams 中对应的 canOpMode
func (p FDParams) OpMode() uint8 {
	if p.NonISO {
		return driver.XL_BUS_PARAMS_CANOPMODE_CANFD_NO_ISO
	}
	return driver.XL_BUS_PARAMS_CANOPMODE_CANFD
}

// BuildParams 根据 cfg 选择配置路径并生成参数块。纯函数，不调用驱动；
// 经典模式下既没有比特率也没有位定时时返回 nil，表示沿用通道当前参数。
func BuildParams(cfg BusConfig) (ParamBlock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FD {
		return buildFD(cfg)
	}
	switch {
	case cfg.Timing != nil:
		return buildClassicTiming(*cfg.Timing)
	case cfg.Bitrate != 0:
		return BitrateParams{Bitrate: cfg.Bitrate}, nil
	}
	return nil, nil
}

func buildClassicTiming(t BitTiming) (ParamBlock, error) {
	if t.Clock == 0 {
		return nil, ConfigurationError{Field: "timing.f_clock", Msg: "clock frequency must be positive"}
	}
	if t.Bitrate == 0 {
		return nil, ConfigurationError{Field: "timing.bitrate", Msg: "bitrate must be positive"}
	}
	samples := t.Samples
	if samples == 0 {
		samples = classicSamples1
	}
	if samples != classicSamples1 && samples != classicSamples3 {
		return nil, ConfigurationError{Field: "timing.nof_samples", Msg: fmt.Sprintf("%d, must be 1 or 3", samples)}
	}
	if err := checkRange("timing.sjw", t.SJW, 1, 4); err != nil {
		return nil, err
	}
	if err := checkRange("timing.tseg1", t.Tseg1, 1, 16); err != nil {
		return nil, err
	}
	if err := checkRange("timing.tseg2", t.Tseg2, 1, 8); err != nil {
		return nil, err
	}
	if t.SJW > t.Tseg2 {
		return nil, ConfigurationError{Field: "timing.sjw", Msg: fmt.Sprintf("sjw %d exceeds tseg2 %d", t.SJW, t.Tseg2)}
	}
	brp, err := prescaler("timing", t.Clock, t.Bitrate, t.Tseg1, t.Tseg2, sja1000MaxBrp)
	if err != nil {
		return nil, err
	}

	if t.Clock <= maxC200Clock {
		sam3 := 0
		if samples == classicSamples3 {
			sam3 = 1
		}
		return C200Params{
			BTR0: uint8((t.SJW-1)<<6 | (brp - 1)),
			BTR1: uint8(sam3<<7 | (t.Tseg2-1)<<4 | (t.Tseg1 - 1)),
		}, nil
	}
	return ChipParams{
		Bitrate: t.Bitrate,
		SJW:     uint8(t.SJW),
		Tseg1:   uint8(t.Tseg1),
		Tseg2:   uint8(t.Tseg2),
		Sam:     1,
	}, nil
}

func buildFD(cfg BusConfig) (ParamBlock, error) {
	var p FDParams
	p.NonISO = cfg.FDNonISO
	if t := cfg.TimingFD; t != nil {
		if t.Clock == 0 {
			return nil, ConfigurationError{Field: "timing_fd.f_clock", Msg: "clock frequency must be positive"}
		}
		if err := checkNominal("timing_fd.nom", t.Nominal.SJW, t.Nominal.Tseg1, t.Nominal.Tseg2); err != nil {
			return nil, err
		}
		if err := checkData("timing_fd.data", t.Data.SJW, t.Data.Tseg1, t.Data.Tseg2); err != nil {
			return nil, err
		}
		if _, err := prescaler("timing_fd.nom", t.Clock, t.Nominal.Bitrate, t.Nominal.Tseg1, t.Nominal.Tseg2, fdMaxBrp); err != nil {
			return nil, err
		}
		if _, err := prescaler("timing_fd.data", t.Clock, t.Data.Bitrate, t.Data.Tseg1, t.Data.Tseg2, fdMaxBrp); err != nil {
			return nil, err
		}
		p.ArbitrationBitrate = t.Nominal.Bitrate
		p.SjwAbr, p.Tseg1Abr, p.Tseg2Abr = uint32(t.Nominal.SJW), uint32(t.Nominal.Tseg1), uint32(t.Nominal.Tseg2)
		p.DataBitrate = t.Data.Bitrate
		p.SjwDbr, p.Tseg1Dbr, p.Tseg2Dbr = uint32(t.Data.SJW), uint32(t.Data.Tseg1), uint32(t.Data.Tseg2)
		return p, nil
	}

	// 只有扁平比特率：段参数未给出时用默认值
	bitrate := cfg.Bitrate
	if bitrate == 0 {
		bitrate = DefaultBitrate
	}
	dataBitrate := cfg.DataBitrate
	if dataBitrate == 0 {
		dataBitrate = bitrate
	}
	sjwAbr, tseg1Abr, tseg2Abr := orDefault(cfg.SjwAbr, defaultFDSjw), orDefault(cfg.Tseg1Abr, defaultFDTseg1), orDefault(cfg.Tseg2Abr, defaultFDTseg2)
	sjwDbr, tseg1Dbr, tseg2Dbr := orDefault(cfg.SjwDbr, defaultFDSjw), orDefault(cfg.Tseg1Dbr, defaultFDTseg1), orDefault(cfg.Tseg2Dbr, defaultFDTseg2)
	if err := checkNominal("abr", sjwAbr, tseg1Abr, tseg2Abr); err != nil {
		return nil, err
	}
	if err := checkData("dbr", sjwDbr, tseg1Dbr, tseg2Dbr); err != nil {
		return nil, err
	}
	p.ArbitrationBitrate = bitrate
	p.SjwAbr, p.Tseg1Abr, p.Tseg2Abr = uint32(sjwAbr), uint32(tseg1Abr), uint32(tseg2Abr)
	p.DataBitrate = dataBitrate
	p.SjwDbr, p.Tseg1Dbr, p.Tseg2Dbr = uint32(sjwDbr), uint32(tseg1Dbr), uint32(tseg2Dbr)
	return p, nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func checkNominal(prefix string, sjw, tseg1, tseg2 int) error {
	if err := checkRange(prefix+".sjw", sjw, 1, 128); err != nil {
		return err
	}
	if err := checkRange(prefix+".tseg1", tseg1, 2, 256); err != nil {
		return err
	}
	return checkRange(prefix+".tseg2", tseg2, 2, 128)
}

func checkData(prefix string, sjw, tseg1, tseg2 int) error {
	if err := checkRange(prefix+".sjw", sjw, 1, 16); err != nil {
		return err
	}
	if err := checkRange(prefix+".tseg1", tseg1, 1, 32); err != nil {
		return err
	}
	return checkRange(prefix+".tseg2", tseg2, 1, 16)
}

func checkRange(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return ConfigurationError{Field: field, Msg: fmt.Sprintf("%d out of range %d..%d", v, lo, hi)}
	}
	return nil
}

// prescaler 计算 clock / (bitrate * 每位时间量子数)，必须整除
func prescaler(prefix string, clock, bitrate uint32, tseg1, tseg2, maxBrp int) (int, error) {
	if bitrate == 0 {
		return 0, ConfigurationError{Field: prefix + ".bitrate", Msg: "bitrate must be positive"}
	}
	tq := uint64(bitrate) * uint64(1+tseg1+tseg2)
	if uint64(clock)%tq != 0 {
		return 0, ConfigurationError{Field: prefix + ".bitrate", Msg: fmt.Sprintf("%d bit/s is not reachable from a %d Hz clock with %d time quanta", bitrate, clock, 1+tseg1+tseg2)}
	}
	brp := int(uint64(clock) / tq)
	if brp < 1 || brp > maxBrp {
		return 0, ConfigurationError{Field: prefix + ".brp", Msg: fmt.Sprintf("%d out of range 1..%d", brp, maxBrp)}
	}
	return brp, nil
}

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"

	"github.com/LoveWonYoung/vxlcan/vector"
)

// DefaultPath 是 xlcan 默认读取的配置文件
const DefaultPath = "xlcan.yaml"

// Config 是 xlcan 的全部配置。先读 YAML，再用 XL_* 环境变量覆盖。
type Config struct {
	Bus     BusConfig     `yaml:"bus" json:"bus"`
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	path string
}

type BusConfig struct {
	AppName  string `yaml:"app_name" json:"appName" env:"XL_APP_NAME"`
	Channels []int  `yaml:"channels" json:"channels" env:"XL_CHANNELS" envSeparator:","`
	// Serial 非 0 时 Channels 是该设备上的硬件通道号
	Serial uint32 `yaml:"serial" json:"serial" env:"XL_SERIAL"`

	FD          bool              `yaml:"fd" json:"fd" env:"XL_FD"`
	Bitrate     uint32            `yaml:"bitrate" json:"bitrate" env:"XL_BITRATE"`
	DataBitrate uint32            `yaml:"data_bitrate" json:"dataBitrate" env:"XL_DATA_BITRATE"`
	Output      vector.OutputMode `yaml:"output" json:"output" env:"XL_OUTPUT"`
	FDNonISO    bool              `yaml:"fd_non_iso" json:"fdNonIso"`

	SjwAbr   int `yaml:"sjw_abr" json:"sjwAbr"`
	Tseg1Abr int `yaml:"tseg1_abr" json:"tseg1Abr"`
	Tseg2Abr int `yaml:"tseg2_abr" json:"tseg2Abr"`
	SjwDbr   int `yaml:"sjw_dbr" json:"sjwDbr"`
	Tseg1Dbr int `yaml:"tseg1_dbr" json:"tseg1Dbr"`
	Tseg2Dbr int `yaml:"tseg2_dbr" json:"tseg2Dbr"`

	Timing   *vector.BitTiming   `yaml:"timing,omitempty" json:"timing,omitempty"`
	TimingFD *vector.BitTimingFD `yaml:"timing_fd,omitempty" json:"timingFd,omitempty"`

	RxQueueSize    uint32 `yaml:"rx_queue_size" json:"rxQueueSize"`
	TimerRateMs    int    `yaml:"timer_rate_ms" json:"timerRateMs"`
	PollIntervalMs int    `yaml:"poll_interval_ms" json:"pollIntervalMs"`
}

type MonitorConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr" env:"XL_MONITOR_ADDR"`
	// ChipStateIntervalMs 大于 0 时 monitor 周期请求总线状态
	ChipStateIntervalMs int `yaml:"chip_state_interval_ms" json:"chipStateIntervalMs"`
}

type LoggingConfig struct {
	Dir  string `yaml:"dir" json:"dir" env:"XL_LOG_DIR"`
	Name string `yaml:"name" json:"name"`
	// RotateMinutes 为 0 时不轮换
	RotateMinutes int  `yaml:"rotate_minutes" json:"rotateMinutes"`
	Trace         bool `yaml:"trace" json:"trace"`
	TraceMaxRows  int  `yaml:"trace_max_rows" json:"traceMaxRows"`
}

func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			AppName:        "CANalyzer",
			Channels:       []int{0},
			Bitrate:        vector.DefaultBitrate,
			RxQueueSize:    vector.DefaultRxQueueSize,
			PollIntervalMs: int(vector.DefaultPollInterval / time.Millisecond),
		},
		Monitor: MonitorConfig{
			ListenAddr: ":8080",
		},
		Logging: LoggingConfig{
			Dir:           ".",
			Name:          "xlcan",
			RotateMinutes: 5,
			TraceMaxRows:  100_000,
		},
	}
}

// Load 读取 path 的 YAML 覆盖默认值，再应用环境变量。文件不存在时使用默认值。
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Printf("[config] no config at %s, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		log.Printf("[config] loaded from %s", path)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Path() string { return c.path }

// Save 写回 YAML 文件
func (c *Config) Save() error {
	if c.path == "" {
		c.path = DefaultPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return os.WriteFile(c.path, data, 0644)
}

// SaveAs 把配置写到新路径，之后的 Save 也写到这里
func (c *Config) SaveAs(path string) error {
	c.path = path
	return c.Save()
}

// Validate 检查总线参数能否构建，以及非总线字段的取值
func (c *Config) Validate() error {
	opts, err := c.BusOptions()
	if err != nil {
		return err
	}
	if _, err := vector.BuildParams(opts.Config); err != nil {
		return err
	}
	if c.Bus.PollIntervalMs < 0 {
		return vector.ConfigurationError{Field: "bus.poll_interval_ms", Msg: fmt.Sprintf("%d is negative", c.Bus.PollIntervalMs)}
	}
	if c.Monitor.ChipStateIntervalMs < 0 {
		return vector.ConfigurationError{Field: "monitor.chip_state_interval_ms", Msg: fmt.Sprintf("%d is negative", c.Monitor.ChipStateIntervalMs)}
	}
	if c.Logging.RotateMinutes < 0 {
		return vector.ConfigurationError{Field: "logging.rotate_minutes", Msg: fmt.Sprintf("%d is negative", c.Logging.RotateMinutes)}
	}
	return nil
}

func (c *Config) busConfig() vector.BusConfig {
	b := c.Bus
	return vector.BusConfig{
		FD:          b.FD,
		Bitrate:     b.Bitrate,
		Timing:      b.Timing,
		DataBitrate: b.DataBitrate,
		TimingFD:    b.TimingFD,
		SjwAbr:      b.SjwAbr,
		Tseg1Abr:    b.Tseg1Abr,
		Tseg2Abr:    b.Tseg2Abr,
		SjwDbr:      b.SjwDbr,
		Tseg1Dbr:    b.Tseg1Dbr,
		Tseg2Dbr:    b.Tseg2Dbr,
		FDNonISO:    b.FDNonISO,
		Output:      b.Output,
	}
}

// BusOptions 把配置转换为 vector.Open 的参数。显式位定时优先于 bitrate。
func (c *Config) BusOptions() (vector.Options, error) {
	b := c.Bus
	if len(b.Channels) == 0 {
		return vector.Options{}, vector.ConfigurationError{Field: "bus.channels", Msg: "no channel configured"}
	}
	if b.TimerRateMs < 0 {
		return vector.Options{}, vector.ConfigurationError{Field: "bus.timer_rate_ms", Msg: fmt.Sprintf("%d is negative", b.TimerRateMs)}
	}
	bc := c.busConfig()
	if bc.Timing != nil && !bc.FD {
		bc.Bitrate = 0
	}
	if bc.TimingFD != nil && bc.FD {
		bc.Bitrate = 0
		bc.DataBitrate = 0
	}
	opts := vector.Options{
		AppName:      b.AppName,
		Channels:     append([]int(nil), b.Channels...),
		Config:       bc,
		RxQueueSize:  b.RxQueueSize,
		TimerRate:    b.TimerRateMs,
		PollInterval: time.Duration(b.PollIntervalMs) * time.Millisecond,
	}
	if b.Serial != 0 {
		serial := b.Serial
		opts.Serial = &serial
	}
	return opts, nil
}

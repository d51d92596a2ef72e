package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/LoveWonYoung/vxlcan/config"
	"github.com/LoveWonYoung/vxlcan/driver"
	"github.com/LoveWonYoung/vxlcan/logrecorder"
	"github.com/LoveWonYoung/vxlcan/monitor"
	"github.com/LoveWonYoung/vxlcan/vector"
)

const usageText = `usage: xlcan [-config path] [-virtual n] [-log] <command> [args]

commands:
  channels [-available]          list the driver channel table
  appconfig get -app A -channel N
  appconfig set -app A -channel N -hwtype T -hwindex I -hwchannel C
  popup [-wait ms]               open Vector Hardware Config
  dump [-n count] [-trace]       print received frames
  send -id 0x123 -data 0102 [-ext] [-fd] [-brs] [-remote] [-channel N] [-count N] [-interval d]
  monitor                        serve frames over websocket at monitor.listen_addr
  shell                          interactive console on the configured bus
`

func main() {
	configPath := flag.String("config", config.DefaultPath, "config file")
	virtual := flag.Int("virtual", 0, "use n in-process virtual channels instead of vxlapi")
	logToFile := flag.Bool("log", false, "write the log to logging.dir")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*configPath, *virtual, *logToFile, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Printf("[xlcan] %v", err)
		os.Exit(1)
	}
}

func run(configPath string, virtual int, logToFile bool, cmd string, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logToFile {
		every := time.Duration(cfg.Logging.RotateMinutes) * time.Minute
		rec, err := logrecorder.InitAndRotate(cfg.Logging.Dir, cfg.Logging.Name, every)
		if err != nil {
			return err
		}
		defer rec.Close()
	}

	drv, err := openDriver(virtual)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch cmd {
	case "channels":
		return runChannels(drv, args)
	case "appconfig":
		return runAppConfig(drv, args)
	case "popup":
		return runPopup(drv, args)
	case "dump":
		return runDump(ctx, drv, cfg, args)
	case "send":
		return runSend(drv, cfg, args)
	case "monitor":
		return runMonitor(ctx, drv, cfg)
	case "shell":
		return runShell(drv, cfg)
	}
	flag.Usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func openDriver(virtual int) (driver.Driver, error) {
	if virtual > 0 {
		log.Printf("[xlcan] using %d virtual channels", virtual)
		return driver.NewVirtual(virtual), nil
	}
	drv, err := driver.Load()
	if errors.Is(err, driver.ErrUnavailable) {
		return nil, fmt.Errorf("%w (use -virtual n to run without hardware)", err)
	}
	return drv, err
}

// withDriver 打开驱动执行 fn 后关闭，用于不需要端口的命令
func withDriver(drv driver.Driver, fn func() error) error {
	p := vector.NewPort(drv)
	if err := p.OpenDriver(); err != nil {
		return err
	}
	defer p.Shutdown()
	return fn()
}

func runChannels(drv driver.Driver, args []string) error {
	fs := flag.NewFlagSet("channels", flag.ExitOnError)
	available := fs.Bool("available", false, "only channels usable as CAN buses")
	fs.Parse(args)

	reg, err := vector.LoadRegistry(drv)
	if err != nil {
		return err
	}
	list := reg.Channels()
	if *available {
		list = reg.Available()
	}
	for _, c := range list {
		fmt.Println(c)
	}
	return nil
}

func runAppConfig(drv driver.Driver, args []string) error {
	if len(args) == 0 || (args[0] != "get" && args[0] != "set") {
		return errors.New("appconfig: expected get or set")
	}
	fs := flag.NewFlagSet("appconfig "+args[0], flag.ExitOnError)
	app := fs.String("app", "CANalyzer", "application name")
	channel := fs.Int("channel", 0, "application channel")
	hwType := fs.String("hwtype", "", "hardware type, e.g. VN1630")
	hwIndex := fs.Uint("hwindex", 0, "hardware index")
	hwChannel := fs.Uint("hwchannel", 0, "hardware channel")
	fs.Parse(args[1:])

	return withDriver(drv, func() error {
		if args[0] == "get" {
			t, idx, ch, err := vector.GetApplicationConfig(drv, *app, *channel)
			if err != nil {
				return err
			}
			fmt.Printf("%s channel %d: %s index %d channel %d\n", *app, *channel, t, idx, ch)
			return nil
		}
		t, err := driver.ParseHardwareType(*hwType)
		if err != nil {
			return err
		}
		if err := vector.SetApplicationConfig(drv, *app, *channel, t, uint32(*hwIndex), uint32(*hwChannel)); err != nil {
			return err
		}
		log.Printf("[xlcan] %s channel %d -> %s/%d/%d", *app, *channel, t, *hwIndex, *hwChannel)
		return nil
	})
}

func runPopup(drv driver.Driver, args []string) error {
	fs := flag.NewFlagSet("popup", flag.ExitOnError)
	wait := fs.Int("wait", 0, "milliseconds to wait for the window to close")
	fs.Parse(args)
	return withDriver(drv, func() error {
		return vector.PopupHwConfig(drv, time.Duration(*wait)*time.Millisecond)
	})
}

func printNotification(n vector.Notification) {
	switch e := n.(type) {
	case vector.BusState:
		log.Printf("[xlcan] ch%d %s rx_err=%d tx_err=%d", e.Channel, e.Status, e.RxErrors, e.TxErrors)
	case vector.ErrorCounterEvent:
		dir := "rx"
		if e.Tx {
			dir = "tx"
		}
		log.Printf("[xlcan] ch%d %s error 0x%02X", e.Channel, dir, e.Code)
	case vector.WakeUp:
		log.Printf("[xlcan] ch%d wakeup", e.Channel)
	}
}

func openBus(drv driver.Driver, cfg *config.Config, onEvent func(vector.Notification)) (*vector.Bus, error) {
	opts, err := cfg.BusOptions()
	if err != nil {
		return nil, err
	}
	opts.OnEvent = onEvent
	opts.OnFDEvent = onEvent
	return vector.Open(drv, opts)
}

func runDump(ctx context.Context, drv driver.Driver, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	count := fs.Int("n", 0, "stop after n frames, 0 for no limit")
	trace := fs.Bool("trace", cfg.Logging.Trace, "also write frames as CSV to logging.dir")
	fs.Parse(args)

	bus, err := openBus(drv, cfg, printNotification)
	if err != nil {
		return err
	}
	defer bus.Shutdown()

	var rec *logrecorder.FrameRecorder
	if *trace {
		rec = logrecorder.NewFrameRecorder(cfg.Logging.Dir, cfg.Logging.Name, cfg.Logging.TraceMaxRows)
		defer rec.Close()
	}

	for n := 0; *count == 0 || n < *count; {
		if ctx.Err() != nil {
			return nil
		}
		f, err := bus.Recv(200 * time.Millisecond)
		if err != nil {
			return err
		}
		if f == nil {
			continue
		}
		n++
		fmt.Println(f)
		if rec != nil {
			if err := rec.Record(*f); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseFrame 解析 id 和十六进制数据，id 接受 0x 前缀
func parseFrame(id, data string) (vector.Frame, error) {
	n, err := strconv.ParseUint(id, 0, 32)
	if err != nil {
		return vector.Frame{}, fmt.Errorf("bad id %q: %w", id, err)
	}
	payload, err := hex.DecodeString(strings.ReplaceAll(data, " ", ""))
	if err != nil {
		return vector.Frame{}, fmt.Errorf("bad data %q: %w", data, err)
	}
	return vector.Frame{ID: uint32(n), Extended: n > 0x7FF, Data: payload}, nil
}

func runSend(drv driver.Driver, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	id := fs.String("id", "", "arbitration id")
	data := fs.String("data", "", "payload as hex")
	ext := fs.Bool("ext", false, "extended id")
	fd := fs.Bool("fd", false, "CAN FD frame")
	brs := fs.Bool("brs", false, "bitrate switch")
	remote := fs.Bool("remote", false, "remote frame")
	channel := fs.Int("channel", vector.AllChannels, "logical channel, -1 for all")
	count := fs.Int("count", 1, "number of frames")
	interval := fs.Duration("interval", 0, "delay between frames")
	fs.Parse(args)

	f, err := parseFrame(*id, *data)
	if err != nil {
		return err
	}
	f.Extended = f.Extended || *ext
	f.FD, f.BitrateSwitch, f.Remote, f.Channel = *fd, *brs, *remote, *channel

	bus, err := openBus(drv, cfg, printNotification)
	if err != nil {
		return err
	}
	defer bus.Shutdown()

	for i := 0; i < *count; i++ {
		if i > 0 && *interval > 0 {
			time.Sleep(*interval)
		}
		if err := bus.Send(f); err != nil {
			return err
		}
	}
	if err := bus.FlushTxBuffer(); err != nil {
		return err
	}
	log.Printf("[xlcan] sent %d x %s", *count, f)
	return nil
}

func runMonitor(ctx context.Context, drv driver.Driver, cfg *config.Config) error {
	hub := monitor.NewHub()
	bus, err := openBus(drv, cfg, hub.PublishNotification)
	if err != nil {
		return err
	}
	defer bus.Shutdown()

	opts := monitor.FeedOptions{
		Poll:          20 * time.Millisecond,
		StateInterval: time.Duration(cfg.Monitor.ChipStateIntervalMs) * time.Millisecond,
	}
	if cfg.Logging.Trace {
		rec := logrecorder.NewFrameRecorder(cfg.Logging.Dir, cfg.Logging.Name, cfg.Logging.TraceMaxRows)
		defer rec.Close()
		opts.OnFrame = func(f vector.Frame) {
			if err := rec.Record(f); err != nil {
				log.Printf("[trace] %v", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	srvErr := make(chan error, 1)
	go func() {
		err := hub.Run(ctx, cfg.Monitor.ListenAddr)
		if err != nil {
			cancel()
		}
		srvErr <- err
	}()

	feedErr := hub.Feed(ctx, bus, opts)
	cancel()
	if err := <-srvErr; err != nil {
		return err
	}
	return feedErr
}

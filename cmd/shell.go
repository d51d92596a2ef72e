package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/LoveWonYoung/vxlcan/config"
	"github.com/LoveWonYoung/vxlcan/driver"
	"github.com/LoveWonYoung/vxlcan/vector"
)

// runShell 打开总线并启动交互式控制台。所有命令在控制台的 goroutine 中执行。
func runShell(drv driver.Driver, cfg *config.Config) error {
	shell := ishell.New()
	bus, err := openBus(drv, cfg, func(n vector.Notification) {
		if bs, ok := n.(vector.BusState); ok {
			shell.Printf("ch%d %s rx_err=%d tx_err=%d\n", bs.Channel, bs.Status, bs.RxErrors, bs.TxErrors)
		}
	})
	if err != nil {
		return err
	}
	defer bus.Shutdown()

	shell.Println("xlcan shell, channels", bus.Channels())
	shell.ShowPrompt(true)

	shell.AddCmd(&ishell.Cmd{
		Name: "send",
		Help: "send <id> <hexdata> [fd] [brs] [ch=N]",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Println("usage: send <id> <hexdata> [fd] [brs] [ch=N]")
				return
			}
			data := ""
			if len(c.Args) > 1 {
				data = c.Args[1]
			}
			f, err := parseFrame(c.Args[0], data)
			if err != nil {
				c.Err(err)
				return
			}
			f.Channel = vector.AllChannels
			for _, opt := range c.Args[min(2, len(c.Args)):] {
				switch {
				case opt == "fd":
					f.FD = true
				case opt == "brs":
					f.BitrateSwitch = true
				case strings.HasPrefix(opt, "ch="):
					ch, err := strconv.Atoi(strings.TrimPrefix(opt, "ch="))
					if err != nil {
						c.Err(err)
						return
					}
					f.Channel = ch
				}
			}
			if err := bus.Send(f); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "recv",
		Help: "recv [timeout_ms]",
		Func: func(c *ishell.Context) {
			timeout := 100 * time.Millisecond
			if len(c.Args) > 0 {
				ms, err := strconv.Atoi(c.Args[0])
				if err != nil {
					c.Err(err)
					return
				}
				timeout = time.Duration(ms) * time.Millisecond
			}
			for {
				f, err := bus.Recv(timeout)
				if err != nil {
					c.Err(err)
					return
				}
				if f == nil {
					return
				}
				c.Println(f)
				// 之后只取已在队列中的报文
				timeout = 0
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "state",
		Help: "request the chip state of every channel",
		Func: func(c *ishell.Context) {
			if err := bus.RequestChipState(); err != nil {
				c.Err(err)
				return
			}
			if _, err := bus.Recv(50 * time.Millisecond); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "reset",
		Help: "deactivate and reactivate the channels",
		Func: func(c *ishell.Context) {
			if err := bus.Reset(); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "flush",
		Help:      "flush [discard]: wait for queued frames, or drop them",
		Completer: func([]string) []string { return []string{"discard"} },
		Func: func(c *ishell.Context) {
			var err error
			if len(c.Args) > 0 && c.Args[0] == "discard" {
				err = bus.DiscardTxQueue()
			} else {
				err = bus.FlushTxBuffer()
			}
			if err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "timer",
		Help: "timer <ms>: periodic timer events, 0 to stop",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Println("usage: timer <ms>")
				return
			}
			ms, err := strconv.Atoi(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			if err := bus.SetTimerRate(ms); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "channels",
		Help: "show the selected channels",
		Func: func(c *ishell.Context) {
			for _, e := range bus.Selection().Entries {
				c.Printf("ch%d -> index %d mask 0x%X\n", e.Channel, e.Index, e.Mask)
			}
			c.Printf("state %s, output %s, fd %v\n", bus.State(), bus.Output(), bus.FD())
		},
	})

	shell.Start()
	return nil
}

package monitor

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LoveWonYoung/vxlcan/vector"
)

// 消息类型
const (
	TypeFrame = "frame"
	TypeState = "state"
	TypeError = "error"
	TypeSend  = "send"
)

// Message 是推送给 WebSocket 客户端的 JSON 结构，客户端发送时只使用 send
type Message struct {
	Type  string          `json:"type"`
	Frame *FrameMessage   `json:"frame,omitempty"`
	State *StateMessage   `json:"state,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
	Stamp int64           `json:"stamp"` // Unix µs
}

type FrameMessage struct {
	ID            uint32 `json:"id"`
	Extended      bool   `json:"extended,omitempty"`
	Remote        bool   `json:"remote,omitempty"`
	ErrorFrame    bool   `json:"errorFrame,omitempty"`
	FD            bool   `json:"fd,omitempty"`
	BitrateSwitch bool   `json:"brs,omitempty"`
	Rx            bool   `json:"rx"`
	Channel       int    `json:"channel"`
	// Data 为十六进制字符串，Timestamp 为 Unix 微秒
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type StateMessage struct {
	Kind     string `json:"kind"` // "bus", "timer", "wakeup", "error_counter"
	Channel  int    `json:"channel"`
	Status   string `json:"status,omitempty"`
	RxErrors uint8  `json:"rxErrors,omitempty"`
	TxErrors uint8  `json:"txErrors,omitempty"`
	Tx       bool   `json:"tx,omitempty"`
	Code     uint8  `json:"code,omitempty"`
}

func NewFrameMessage(f vector.Frame) *FrameMessage {
	m := &FrameMessage{
		ID:            f.ID,
		Extended:      f.Extended,
		Remote:        f.Remote,
		ErrorFrame:    f.ErrorFrame,
		FD:            f.FD,
		BitrateSwitch: f.BitrateSwitch,
		Rx:            f.Rx,
		Channel:       f.Channel,
		Data:          hex.EncodeToString(f.Data),
	}
	if !f.Timestamp.IsZero() {
		m.Timestamp = f.Timestamp.UnixMicro()
	}
	return m
}

// Frame 转回 vector.Frame，用于客户端的 send 请求
func (m *FrameMessage) Frame() (vector.Frame, error) {
	data, err := hex.DecodeString(m.Data)
	if err != nil {
		return vector.Frame{}, fmt.Errorf("frame data: %w", err)
	}
	f := vector.Frame{
		ID:            m.ID,
		Extended:      m.Extended,
		Remote:        m.Remote,
		FD:            m.FD,
		BitrateSwitch: m.BitrateSwitch,
		Channel:       m.Channel,
		Data:          data,
	}
	return f, f.Validate()
}

func NewStateMessage(n vector.Notification) *StateMessage {
	s := &StateMessage{Channel: n.ChannelIndex()}
	switch e := n.(type) {
	case vector.BusState:
		s.Kind = "bus"
		s.Status = e.Status.String()
		s.RxErrors = e.RxErrors
		s.TxErrors = e.TxErrors
	case vector.TimerTick:
		s.Kind = "timer"
	case vector.WakeUp:
		s.Kind = "wakeup"
	case vector.ErrorCounterEvent:
		s.Kind = "error_counter"
		s.Tx = e.Tx
		s.Code = e.Code
	}
	return s
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub 把总线报文和状态广播给所有 WebSocket 客户端，并收集客户端的发送请求
type Hub struct {
	upgrader websocket.Upgrader

	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	outgoing chan vector.Frame
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[*client]struct{}),
		outgoing: make(chan vector.Frame, 64),
	}
}

// Outgoing 返回客户端请求发送的报文
func (h *Hub) Outgoing() <-chan vector.Frame { return h.outgoing }

func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// ServeHTTP 升级为 WebSocket 连接
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[monitor] upgrade error: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256)}

	h.clientsMu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.clientsMu.Unlock()
	log.Printf("[monitor] client connected (%d total)", n)

	// writer
	go func() {
		defer conn.Close()
		for msg := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// reader
	go func() {
		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, c)
			n := len(h.clients)
			h.clientsMu.Unlock()
			close(c.send)
			log.Printf("[monitor] client disconnected (%d total)", n)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			h.handleIncoming(data)
		}
	}()
}

func (h *Hub) handleIncoming(data []byte) {
	// 请求里省略 channel 时发往全部通道
	msg := Message{Frame: &FrameMessage{Channel: vector.AllChannels}}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[monitor] bad message: %v", err)
		return
	}
	if msg.Type != TypeSend || msg.Frame == nil {
		return
	}
	f, err := msg.Frame.Frame()
	if err != nil {
		h.PublishError(vector.ConfigurationError{Field: "frame", Msg: err.Error()})
		return
	}
	select {
	case h.outgoing <- f:
	default:
		log.Printf("[monitor] send queue full, dropping 0x%X", f.ID)
	}
}

// Broadcast 推送给所有客户端，慢客户端直接跳过
func (h *Hub) Broadcast(msg Message) {
	if msg.Stamp == 0 {
		msg.Stamp = time.Now().UnixMicro()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (h *Hub) PublishFrame(f vector.Frame) {
	h.Broadcast(Message{Type: TypeFrame, Frame: NewFrameMessage(f)})
}

// PublishNotification 可直接用作 Options.OnEvent / OnFDEvent
func (h *Hub) PublishNotification(n vector.Notification) {
	h.Broadcast(Message{Type: TypeState, State: NewStateMessage(n)})
}

// PublishError 推送错误。vector 错误按其 JSON 形式推送，其他错误只带 message。
func (h *Hub) PublishError(err error) {
	var raw []byte
	if ve, ok := vector.AsVectorError(err); ok {
		raw, _ = json.Marshal(vectorErrorValue(err, ve))
	}
	if raw == nil {
		raw, _ = json.Marshal(struct {
			Message string `json:"message"`
		}{err.Error()})
	}
	h.Broadcast(Message{Type: TypeError, Error: raw})
}

// vectorErrorValue 保留具体的错误类型以便 JSON 带上 kind
func vectorErrorValue(err error, ve vector.VectorError) any {
	var initErr vector.InitializationError
	var opErr vector.OperationError
	switch {
	case errors.As(err, &initErr):
		return initErr
	case errors.As(err, &opErr):
		return opErr
	}
	return ve
}

// FeedOptions 控制 Feed 循环
type FeedOptions struct {
	// Poll 是每次 Recv 的最长等待时间，也决定响应发送请求的延迟
	Poll time.Duration
	// StateInterval 大于 0 时周期请求芯片状态
	StateInterval time.Duration
	// OnFrame 在广播之前收到每一帧，例如写 CSV 记录
	OnFrame func(vector.Frame)
}

// Feed 在当前 goroutine 中循环接收报文并广播，同时发送客户端请求的报文。
// Bus 不是并发安全的，调用期间不能在其他地方使用它。ctx 结束时返回 nil。
func (h *Hub) Feed(ctx context.Context, bus *vector.Bus, opts FeedOptions) error {
	if opts.Poll <= 0 {
		opts.Poll = 20 * time.Millisecond
	}
	var stateC <-chan time.Time
	if opts.StateInterval > 0 {
		ticker := time.NewTicker(opts.StateInterval)
		defer ticker.Stop()
		stateC = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-h.outgoing:
			if err := bus.Send(f); err != nil {
				log.Printf("[monitor] send 0x%X: %v", f.ID, err)
				h.PublishError(err)
			}
			continue
		case <-stateC:
			if err := bus.RequestChipState(); err != nil {
				h.PublishError(err)
			}
		default:
		}
		f, err := bus.Recv(opts.Poll)
		if err != nil {
			h.PublishError(err)
			return err
		}
		if f != nil {
			if opts.OnFrame != nil {
				opts.OnFrame(*f)
			}
			h.PublishFrame(*f)
		}
	}
}

// Run 在 addr 上提供 /ws，ctx 结束时关闭服务器
func (h *Hub) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","clients":%d}`, h.Clients())
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[monitor] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package logrecorder

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/LoveWonYoung/vxlcan/vector"
)

const DefaultMaxRows = 100_000

var csvHeader = []string{
	"timestamp", "channel", "dir", "id", "extended", "remote", "error_frame",
	"fd", "brs", "esi", "dlc", "data",
}

// FrameRecorder 把报文写成 CSV，超过 maxRows 行后换新文件
type FrameRecorder struct {
	mu      sync.Mutex
	dir     string
	prefix  string
	maxRows int

	file   *os.File
	writer *csv.Writer
	rows   int
	files  []string
}

func NewFrameRecorder(dir, prefix string, maxRows int) *FrameRecorder {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if prefix == "" {
		prefix = "trace"
	}
	return &FrameRecorder{dir: dir, prefix: prefix, maxRows: maxRows}
}

// Record 写入一帧
func (r *FrameRecorder) Record(f vector.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(time.Now()); err != nil {
			return err
		}
	}
	if err := r.writer.Write(buildRow(f)); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	r.writer.Flush()
	r.rows++
	return r.writer.Error()
}

// Files 返回已创建的文件，按创建顺序
func (r *FrameRecorder) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}

func (r *FrameRecorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *FrameRecorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}
	// 同一秒内多次轮换时加序号区分
	name := fmt.Sprintf("%s_%s_%03d.csv", r.prefix, now.Format("2006-01-02_150405"), len(r.files))
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0
	r.files = append(r.files, path)

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	log.Printf("[trace] opened %s", path)
	return nil
}

func (r *FrameRecorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func buildRow(f vector.Frame) []string {
	dir := "rx"
	if !f.Rx {
		dir = "tx"
	}
	ts := ""
	if !f.Timestamp.IsZero() {
		ts = f.Timestamp.Format(time.RFC3339Nano)
	}
	return []string{
		ts,
		strconv.Itoa(f.Channel),
		dir,
		fmt.Sprintf("0x%X", f.ID),
		boolStr(f.Extended),
		boolStr(f.Remote),
		boolStr(f.ErrorFrame),
		boolStr(f.FD),
		boolStr(f.BitrateSwitch),
		boolStr(f.ErrorStateIndicator),
		strconv.Itoa(len(f.Data)),
		hex.EncodeToString(f.Data),
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

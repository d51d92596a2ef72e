package logrecorder

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir 在 base 下创建以日期命名的目录（如：2025_04_25）
func MakeDir(base string) (string, error) {
	now := time.Now()
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(base, dirName)

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		if err := os.MkdirAll(fullPath, 0755); err != nil {
			return "", fmt.Errorf("创建文件夹失败: %w", err)
		}
	}

	return fullPath, nil
}

// Recorder 把标准库 log 的输出写到日期目录下的文件，可按周期轮换
type Recorder struct {
	mu   sync.Mutex
	base string
	name string
	file *os.File
	stop chan struct{}
	done chan struct{}
}

func New(base, name string) *Recorder {
	if base == "" {
		base = "."
	}
	return &Recorder{base: base, name: name}
}

// Open 打开 name+时间戳.log 并把 log 输出指向它
func (r *Recorder) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open()
}

func (r *Recorder) open() error {
	log.SetPrefix("")
	log.SetFlags(log.Lmicroseconds)

	dir, err := MakeDir(r.base)
	if err != nil {
		return err
	}

	logPath := filepath.Join(dir, fmt.Sprintf("%s%s.log", r.name, NowString()))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	log.SetOutput(f)
	if r.file != nil {
		r.file.Close()
	}
	r.file = f
	return nil
}

// Path 返回当前日志文件路径
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

// Rotate 立即打开一个新的日志文件
func (r *Recorder) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open()
}

// StartRotation 每隔 every 轮换一次日志文件
func (r *Recorder) StartRotation(every time.Duration) {
	if every <= 0 {
		return
	}
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stop, r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := r.Rotate(); err != nil {
					// 轮换失败时继续写当前文件
					log.Printf("日志轮换失败: %v", err)
				}
			}
		}
	}()
}

// Close 停止轮换，关闭文件并把 log 输出恢复到 stderr
func (r *Recorder) Close() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		log.SetOutput(os.Stderr)
		r.file.Close()
		r.file = nil
	}
}

// InitAndRotate 初始化日志记录器，并每 every 轮换一次日志文件
func InitAndRotate(base, logName string, every time.Duration) (*Recorder, error) {
	r := New(base, logName)
	if err := r.Open(); err != nil {
		return nil, err
	}
	r.StartRotation(every)
	return r, nil
}

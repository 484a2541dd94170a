// 能力库文件变更监听。
//
// 通过轮询修改时间与文件大小检测变化，经防抖后触发回调，
// 由 capability.Library 用于在定义文件变化时整体替换快照。
package config

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileWatcher 轮询一组文件并在变化时回调
type FileWatcher struct {
	mu sync.Mutex

	paths         []string
	pollInterval  time.Duration
	debounceDelay time.Duration

	running  bool
	stopChan chan struct{}
	done     chan struct{}

	callbacks []func(FileEvent)
	logger    *zap.Logger

	seen map[string]fileStamp
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

// FileEvent 文件变更事件
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp 变更类型
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
)

func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// WatcherOption 配置 FileWatcher
type WatcherOption func(*FileWatcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithDebounceDelay 设置防抖延迟
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger 设置日志记录器
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewFileWatcher 创建文件监听器。不存在的文件会在创建后触发 CREATE 事件。
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		paths:         append([]string(nil), paths...),
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		logger:        zap.NewNop(),
		seen:          make(map[string]fileStamp),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "file_watcher"))

	for _, path := range w.paths {
		if _, err := os.Stat(path); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
			}
			w.logger.Warn("watched file does not exist yet", zap.String("path", path))
		}
	}
	return w, nil
}

// OnChange 注册变更回调
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start 开始监听，直到 ctx 结束或调用 Stop
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})
	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.seen[path] = fileStamp{modTime: info.ModTime(), size: info.Size()}
		}
	}
	stop, done := w.stopChan, w.done
	w.mu.Unlock()

	go w.loop(ctx, stop, done)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop 停止监听并等待后台循环退出
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopChan)
	done := w.done
	w.mu.Unlock()

	<-done
	w.logger.Info("file watcher stopped")
	return nil
}

// IsRunning 是否运行中
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *FileWatcher) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	pending := make(map[string]FileEvent)
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			events := w.scan()
			if len(events) == 0 {
				continue
			}
			for _, e := range events {
				pending[e.Path] = e
			}
			fire = time.After(w.debounceDelay)
		case <-fire:
			fire = nil
			w.dispatch(pending)
			pending = make(map[string]FileEvent)
		}
	}
}

// scan 比较当前状态与上次记录
func (w *FileWatcher) scan() []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	var events []FileEvent
	for _, path := range w.paths {
		prev, tracked := w.seen[path]
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) && tracked {
				delete(w.seen, path)
				events = append(events, FileEvent{Path: path, Op: FileOpRemove, Timestamp: now})
			}
			continue
		}
		cur := fileStamp{modTime: info.ModTime(), size: info.Size()}
		switch {
		case !tracked:
			events = append(events, FileEvent{Path: path, Op: FileOpCreate, Timestamp: now})
		case !cur.modTime.Equal(prev.modTime) || cur.size != prev.size:
			events = append(events, FileEvent{Path: path, Op: FileOpWrite, Timestamp: now})
		default:
			continue
		}
		w.seen[path] = cur
	}
	return events
}

func (w *FileWatcher) dispatch(events map[string]FileEvent) {
	w.mu.Lock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	for _, evt := range events {
		w.logger.Debug("dispatching file event",
			zap.String("path", evt.Path),
			zap.String("op", evt.Op.String()))
		for _, cb := range callbacks {
			cb(evt)
		}
	}
}

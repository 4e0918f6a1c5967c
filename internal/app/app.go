package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/junbin-yang/go-tripfsm/pkg/logger"
)

var (
	// ErrWorkerExists 同名协程已注册
	ErrWorkerExists = errors.New("app: worker already exists")

	// ErrShutdownTimeout 退出超时
	ErrShutdownTimeout = errors.New("app: shutdown timeout")

	// ErrAlreadyRunning 已在运行
	ErrAlreadyRunning = errors.New("app: already running")
)

// RunFunc 协程运行函数，ctx 结束后应尽快返回
type RunFunc func(ctx context.Context) error

// StopFunc 协程停止函数，用于 ListenAndServe 之类不感知 ctx 的阻塞调用
type StopFunc func(ctx context.Context) error

// HookFunc 钩子函数
type HookFunc func(ctx context.Context) error

// WorkerHookFunc 协程退出钩子
type WorkerHookFunc func(name string, err error)

type worker struct {
	name string
	run  RunFunc
	stop StopFunc
}

type WorkerOption func(*worker)

// WithStopFunc 设置停止函数
func WithStopFunc(fn StopFunc) WorkerOption {
	return func(w *worker) { w.stop = fn }
}

// App 服务运行器：启动钩子 -> 协程 -> 等待信号/错误 -> 停止协程 -> 退出钩子
type App struct {
	name            string
	log             logger.Logger
	signals         []os.Signal
	shutdownTimeout time.Duration

	mu          sync.Mutex
	workers     []*worker
	onStartup   []HookFunc
	onShutdown  []HookFunc
	onWorkerEnd []WorkerHookFunc
	running     bool
	cancel      context.CancelFunc
}

type Option func(*App)

// WithSignals 设置监听的信号
func WithSignals(signals ...os.Signal) Option {
	return func(a *App) { a.signals = signals }
}

// WithShutdownTimeout 设置退出超时时间
func WithShutdownTimeout(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.shutdownTimeout = d
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(a *App) { a.log = l }
}

func New(name string, opts ...Option) *App {
	a := &App{
		name:            name,
		log:             logger.Default(),
		signals:         []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		shutdownTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddWorker 注册协程，只能在 Run 之前调用
func (a *App) AddWorker(name string, run RunFunc, opts ...WorkerOption) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrAlreadyRunning
	}
	for _, w := range a.workers {
		if w.name == name {
			return fmt.Errorf("%w: %s", ErrWorkerExists, name)
		}
	}

	w := &worker{name: name, run: run}
	for _, opt := range opts {
		opt(w)
	}
	a.workers = append(a.workers, w)
	return nil
}

// OnStartup 注册启动钩子，按注册顺序执行，出错则不再启动
func (a *App) OnStartup(fn HookFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onStartup = append(a.onStartup, fn)
}

// OnShutdown 注册退出钩子，按注册的逆序执行
func (a *App) OnShutdown(fn HookFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onShutdown = append(a.onShutdown, fn)
}

// OnWorkerExit 注册协程退出钩子
func (a *App) OnWorkerExit(fn WorkerHookFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onWorkerEnd = append(a.onWorkerEnd, fn)
}

// Stop 触发退出，Run 返回前完成清理
func (a *App) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run 运行直到收到信号、ctx 结束、调用 Stop 或任一协程返回错误
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	ctx, stopSignals := signal.NotifyContext(ctx, a.signals...)
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	workers := append([]*worker(nil), a.workers...)
	startup := append([]HookFunc(nil), a.onStartup...)
	a.mu.Unlock()

	defer stopSignals()
	defer cancel()

	for _, fn := range startup {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("startup: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			a.log.Info("worker started", logger.String("app", a.name), logger.String("worker", w.name))
			err := w.run(gctx)
			a.workerExited(w.name, err)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker %s: %w", w.name, err)
			}
			return nil
		})
	}

	<-gctx.Done()
	a.log.Info("shutting down", logger.String("app", a.name), logger.Err(context.Cause(gctx)))
	cancel()

	return a.shutdown(workers, g)
}

func (a *App) workerExited(name string, err error) {
	a.mu.Lock()
	hooks := append([]WorkerHookFunc(nil), a.onWorkerEnd...)
	a.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("worker exited", logger.String("worker", name), logger.Err(err))
	} else {
		a.log.Info("worker exited", logger.String("worker", name))
	}
	for _, fn := range hooks {
		fn(name, err)
	}
}

// shutdown 逆序调用停止函数，等待协程退出后执行退出钩子
func (a *App) shutdown(workers []*worker, g *errgroup.Group) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(workers) - 1; i >= 0; i-- {
		w := workers[i]
		if w.stop == nil {
			continue
		}
		if err := w.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", w.name, err))
		}
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			errs = append([]error{err}, errs...)
		}
	case <-ctx.Done():
		return errors.Join(append(errs, ErrShutdownTimeout)...)
	}

	a.mu.Lock()
	hooks := append([]HookFunc(nil), a.onShutdown...)
	a.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown hook: %w", err))
		}
	}

	return errors.Join(errs...)
}

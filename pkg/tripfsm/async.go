package tripfsm

import (
	"context"
	"sync"
)

// ErrorHandler 处理异步触发中的错误
type ErrorHandler func(tripID string, event Event, err error)

// asyncEvent 异步事件
type asyncEvent struct {
	event Event
	ctx   context.Context
}

// AsyncMachine 带事件队列的状态机，队列内事件按入队顺序逐个应用。
// 事件一旦入队即视为已提交，之后调用方 ctx 的取消不影响其应用
type AsyncMachine struct {
	*Machine
	eventQueue chan asyncEvent
	stopCh     chan struct{} // 唤醒阻塞在满队列上的入队者
	quit       chan struct{} // 入队者全部退出后关闭，处理协程随后排空队列
	stopOnce   sync.Once
	mu         sync.RWMutex
	stopped    bool
	wg         sync.WaitGroup
	onError    ErrorHandler
}

// NewAsyncMachine 创建异步状态机
func NewAsyncMachine(m *Machine, queueSize int, onError ErrorHandler) *AsyncMachine {
	return &AsyncMachine{
		Machine:    m,
		eventQueue: make(chan asyncEvent, queueSize),
		stopCh:     make(chan struct{}),
		quit:       make(chan struct{}),
		onError:    onError,
	}
}

// Start 启动异步事件处理
func (a *AsyncMachine) Start() {
	a.wg.Add(1)
	go a.processEvents()
}

// Stop 停止异步事件处理，已入队的事件会先处理完
func (a *AsyncMachine) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.mu.Lock()
		a.stopped = true
		a.mu.Unlock()
		close(a.quit)
	})
	a.wg.Wait()
}

// TriggerAsync 异步触发事件，队列满时阻塞直到入队、停止或 ctx 结束
func (a *AsyncMachine) TriggerAsync(ctx context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.stopped {
		return ErrMachineStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case a.eventQueue <- asyncEvent{event: event, ctx: ctx}:
		return nil
	case <-a.stopCh:
		return ErrMachineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueLength 返回队列长度
func (a *AsyncMachine) QueueLength() int {
	return len(a.eventQueue)
}

// processEvents 处理事件队列
func (a *AsyncMachine) processEvents() {
	defer a.wg.Done()

	for {
		select {
		case <-a.quit:
			a.drain()
			return
		case ev := <-a.eventQueue:
			a.handle(ev)
		}
	}
}

// drain 停止后处理剩余事件
func (a *AsyncMachine) drain() {
	for {
		select {
		case ev := <-a.eventQueue:
			a.handle(ev)
		default:
			return
		}
	}
}

func (a *AsyncMachine) handle(ev asyncEvent) {
	ctx := context.WithoutCancel(ev.ctx)
	if _, err := a.Machine.Trigger(ctx, ev.event); err != nil && a.onError != nil {
		a.onError(a.Machine.ID(), ev.event, err)
	}
}

package tripfsm

import (
	"context"
	"sync"
	"time"
)

// Machine 单个行程的状态机实例，持有当前配置。
// 事件应由同一写者按顺序触发；观察者在锁内回调，不能反向调用本实例。
type Machine struct {
	mu       sync.RWMutex
	id       string
	current  Configuration
	initial  Configuration
	observer Observer
	record   bool
	history  []Record
	now      func() time.Time
}

// Option 状态机配置选项
type Option func(*Machine)

// WithObserver 设置观察者
func WithObserver(o Observer) Option {
	return func(m *Machine) {
		m.observer = o
	}
}

// WithHistory 记录每次触发的事件（含 no-op）
func WithHistory(enable bool) Option {
	return func(m *Machine) {
		m.record = enable
	}
}

// WithInitial 从已持久化的配置恢复，而不是 created.requestReceived
func WithInitial(c Configuration) Option {
	return func(m *Machine) {
		m.initial = c
		m.current = c
	}
}

// WithClock 设置时间源，测试使用
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// NewMachine 创建行程状态机
func NewMachine(tripID string, opts ...Option) *Machine {
	m := &Machine{
		id:      tripID,
		current: Initial(),
		initial: Initial(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// ID 返回行程ID
func (m *Machine) ID() string {
	return m.id
}

// Current 返回当前配置
func (m *Machine) Current() Configuration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Can 检查事件在当前配置下是否会引起转换
func (m *Machine) Can(event Event) bool {
	return m.Current().Can(event)
}

// Done 行程是否已进入终止状态
func (m *Machine) Done() bool {
	return m.Current().IsTerminal()
}

// Trigger 触发事件。no-op 返回 nil 错误；未知事件返回 ErrUnknownEvent 且配置不变
func (m *Machine) Trigger(ctx context.Context, event Event) (Configuration, error) {
	if err := ctx.Err(); err != nil {
		return m.Current(), err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	to, err := Apply(from, event)
	if err != nil {
		if m.observer != nil {
			m.observer.OnRejected(ctx, m.id, event, err)
		}
		return from, err
	}

	if m.record {
		m.history = append(m.history, Record{
			Event:   event,
			From:    from,
			To:      to,
			Applied: to != from,
			At:      m.now(),
		})
	}
	m.current = to

	if m.observer != nil {
		if to != from {
			m.observer.OnTransition(ctx, m.id, from, to, event)
		} else {
			m.observer.OnIgnored(ctx, m.id, from, event)
		}
	}

	return to, nil
}

// Reset 重置到初始配置并清空历史
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.initial
	m.history = nil
	return nil
}

var _ StateMachine = (*Machine)(nil)

package tripfsm

import (
	"context"
	"errors"
	"sync"
)

const (
	defaultQueueSize      = 64
	defaultTombstoneLimit = 10000
)

// entry 注册表中的单个行程
type entry struct {
	machine *Machine
	mailbox *AsyncMachine
}

// Registry 多行程管理器。行程之间互不影响，同一行程的事件经由
// 自己的队列按顺序应用。终止状态的行程可自动归档。
type Registry struct {
	mu       sync.RWMutex
	trips    map[string]*entry
	archived map[string]Configuration
	tombs    []string
	closed   bool

	machineOpts     []Option
	observer        Observer
	archiveTerminal bool
	autoOpen        bool
	queueSize       int
	tombstoneLimit  int
	onArchive       func(tripID string, final Configuration)
	onError         ErrorHandler
}

// RegistryOption 注册表配置选项
type RegistryOption func(*Registry)

// WithMachineOptions 每个新行程使用的状态机选项
func WithMachineOptions(opts ...Option) RegistryOption {
	return func(r *Registry) {
		r.machineOpts = append(r.machineOpts, opts...)
	}
}

// WithRegistryObserver 所有行程共享的观察者
func WithRegistryObserver(o Observer) RegistryOption {
	return func(r *Registry) {
		r.observer = o
	}
}

// WithArchiveTerminal 进入终止状态后从注册表移除行程，之后的事件均为 no-op
func WithArchiveTerminal(enable bool) RegistryOption {
	return func(r *Registry) {
		r.archiveTerminal = enable
	}
}

// WithAutoOpen 对未知行程的事件自动创建行程
func WithAutoOpen(enable bool) RegistryOption {
	return func(r *Registry) {
		r.autoOpen = enable
	}
}

// WithQueueSize 每个行程事件队列的长度
func WithQueueSize(size int) RegistryOption {
	return func(r *Registry) {
		if size > 0 {
			r.queueSize = size
		}
	}
}

// WithTombstoneLimit 保留的已归档行程数量上限
func WithTombstoneLimit(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.tombstoneLimit = n
		}
	}
}

// WithOnArchive 设置归档回调
func WithOnArchive(fn func(tripID string, final Configuration)) RegistryOption {
	return func(r *Registry) {
		r.onArchive = fn
	}
}

// WithErrorHandler 设置异步触发的错误回调
func WithErrorHandler(fn ErrorHandler) RegistryOption {
	return func(r *Registry) {
		r.onError = fn
	}
}

// NewRegistry 创建注册表
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		trips:          make(map[string]*entry),
		archived:       make(map[string]Configuration),
		queueSize:      defaultQueueSize,
		tombstoneLimit: defaultTombstoneLimit,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Open 创建新行程，初始配置为 created.requestReceived
func (r *Registry) Open(tripID string) (*Machine, error) {
	return r.open(tripID)
}

// Load 以调用方持久化的配置创建行程
func (r *Registry) Load(tripID string, c Configuration) (*Machine, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	return r.open(tripID, WithInitial(c))
}

func (r *Registry) open(tripID string, extra ...Option) (*Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, exists := r.trips[tripID]; exists {
		return nil, ErrTripExists
	}
	r.forget(tripID)
	return r.newEntryLocked(tripID, extra...).machine, nil
}

// newEntryLocked 需持有写锁
func (r *Registry) newEntryLocked(tripID string, extra ...Option) *entry {
	e := &entry{}

	var hook Observer
	if r.archiveTerminal {
		hook = ObserverFuncs{
			Transition: func(_ context.Context, tripID string, _, to Configuration, _ Event) {
				r.onTerminal(e, tripID, to)
			},
		}
	}

	opts := make([]Option, 0, len(r.machineOpts)+len(extra)+1)
	opts = append(opts, r.machineOpts...)
	opts = append(opts, extra...)
	opts = append(opts, WithObserver(Observers(r.observer, hook)))

	e.machine = NewMachine(tripID, opts...)
	r.trips[tripID] = e
	return e
}

// Get 获取行程状态机
func (r *Registry) Get(tripID string) (*Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.trips[tripID]
	if !ok {
		return nil, false
	}
	return e.machine, true
}

// Remove 移除行程并停止其事件队列
func (r *Registry) Remove(tripID string) {
	r.mu.Lock()
	e, ok := r.trips[tripID]
	delete(r.trips, tripID)
	r.forget(tripID)
	r.mu.Unlock()

	if ok && e.mailbox != nil {
		e.mailbox.Stop()
	}
}

// Trigger 同步触发指定行程的事件
func (r *Registry) Trigger(ctx context.Context, tripID string, event Event) (Configuration, error) {
	e, final, err := r.acquire(tripID, false)
	if err != nil {
		return Configuration{}, err
	}
	if e == nil {
		return r.ignoreArchived(ctx, tripID, final, event)
	}
	return e.machine.Trigger(ctx, event)
}

// Post 把事件放入行程自己的队列，异步按顺序应用
func (r *Registry) Post(ctx context.Context, tripID string, event Event) error {
	e, final, err := r.acquire(tripID, true)
	if err != nil {
		return err
	}
	if e == nil {
		_, err = r.ignoreArchived(ctx, tripID, final, event)
		return err
	}
	err = e.mailbox.TriggerAsync(ctx, event)
	if errors.Is(err, ErrMachineStopped) {
		// 入队前行程刚被归档
		if final, ok := r.Archived(tripID); ok {
			_, err = r.ignoreArchived(ctx, tripID, final, event)
		}
	}
	return err
}

// acquire 查找行程；已归档时返回 nil entry 与最终配置
func (r *Registry) acquire(tripID string, withMailbox bool) (*entry, Configuration, error) {
	if !withMailbox {
		r.mu.RLock()
		e, ok := r.trips[tripID]
		closed := r.closed
		r.mu.RUnlock()
		if closed {
			return nil, Configuration{}, ErrRegistryClosed
		}
		if ok {
			return e, Configuration{}, nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, Configuration{}, ErrRegistryClosed
	}
	e, ok := r.trips[tripID]
	if !ok {
		if final, archived := r.archived[tripID]; archived {
			return nil, final, nil
		}
		if !r.autoOpen {
			return nil, Configuration{}, ErrTripNotFound
		}
		e = r.newEntryLocked(tripID)
	}
	if withMailbox && e.mailbox == nil {
		e.mailbox = NewAsyncMachine(e.machine, r.queueSize, r.onError)
		e.mailbox.Start()
	}
	return e, Configuration{}, nil
}

// ignoreArchived 已归档行程收到的事件：已知事件为 no-op，未知事件仍然报错
func (r *Registry) ignoreArchived(ctx context.Context, tripID string, final Configuration, event Event) (Configuration, error) {
	if _, err := Apply(final, event); err != nil {
		if r.observer != nil {
			r.observer.OnRejected(ctx, tripID, event, err)
		}
		return final, err
	}
	if r.observer != nil {
		r.observer.OnIgnored(ctx, tripID, final, event)
	}
	return final, nil
}

// onTerminal 在状态机锁内被调用，不能同步停止该行程的队列。
// 只归档 e 自己：同一ID被移除后重新打开时，旧状态机的转换不影响新行程
func (r *Registry) onTerminal(e *entry, tripID string, to Configuration) {
	if !to.IsTerminal() {
		return
	}

	r.mu.Lock()
	current, ok := r.trips[tripID]
	ok = ok && current == e
	mailbox := e.mailbox
	if ok {
		delete(r.trips, tripID)
		r.remember(tripID, to)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if mailbox != nil {
		go mailbox.Stop()
	}
	if r.onArchive != nil {
		r.onArchive(tripID, to)
	}
}

// remember 需持有写锁
func (r *Registry) remember(tripID string, final Configuration) {
	r.archived[tripID] = final
	r.tombs = append(r.tombs, tripID)
	for len(r.tombs) > r.tombstoneLimit {
		oldest := r.tombs[0]
		r.tombs = r.tombs[1:]
		delete(r.archived, oldest)
	}
}

// forget 需持有写锁。ID 被重新打开时同时移出归档队列
func (r *Registry) forget(tripID string) {
	if _, ok := r.archived[tripID]; !ok {
		return
	}
	delete(r.archived, tripID)
	for i, id := range r.tombs {
		if id == tripID {
			r.tombs = append(r.tombs[:i], r.tombs[i+1:]...)
			break
		}
	}
}

// Archived 查询已归档行程的最终配置
func (r *Registry) Archived(tripID string) (Configuration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.archived[tripID]
	return c, ok
}

// States 获取所有活动行程的当前配置
func (r *Registry) States() map[string]Configuration {
	r.mu.RLock()
	machines := make(map[string]*Machine, len(r.trips))
	for id, e := range r.trips {
		machines[id] = e.machine
	}
	r.mu.RUnlock()

	states := make(map[string]Configuration, len(machines))
	for id, m := range machines {
		states[id] = m.Current()
	}
	return states
}

// Count 返回活动行程数量
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trips)
}

// Close 关闭注册表，等待所有队列处理完剩余事件
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.trips))
	for _, e := range r.trips {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		if e.mailbox != nil {
			e.mailbox.Stop()
		}
	}
}

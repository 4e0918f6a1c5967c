package tripfsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Snapshot 配置快照，Leaves 为活动叶子名
type Snapshot struct {
	TripID    string    `json:"tripId"`
	Leaves    []string  `json:"leaves"`
	Terminal  bool      `json:"terminal"`
	Timestamp time.Time `json:"timestamp"`
}

// Configuration 由快照重建配置
func (s *Snapshot) Configuration() (Configuration, error) {
	return FromLeaves(s.Leaves...)
}

// Record 一次事件触发的历史记录，Applied 为 false 表示 no-op
type Record struct {
	Event   Event         `json:"event"`
	From    Configuration `json:"from"`
	To      Configuration `json:"to"`
	Applied bool          `json:"applied"`
	At      time.Time     `json:"at"`
}

// Snapshot 创建当前配置的快照
func (m *Machine) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Snapshot{
		TripID:    m.id,
		Leaves:    m.current.ActiveLeaves(),
		Terminal:  m.current.IsTerminal(),
		Timestamp: m.now(),
	}
}

// Restore 从快照恢复配置，快照中的叶子非法时返回 ErrUnknownState
func (m *Machine) Restore(snapshot *Snapshot) error {
	c, err := snapshot.Configuration()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = c
	return nil
}

// History 获取事件历史
func (m *Machine) History() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record{}, m.history...)
}

// ClearHistory 清空历史记录
func (m *Machine) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
}

// Replay 从初始配置依次应用事件日志
func Replay(events ...Event) (Configuration, error) {
	return ReplayFrom(Initial(), events...)
}

// ReplayFrom 从给定配置依次应用事件日志
func ReplayFrom(c Configuration, events ...Event) (Configuration, error) {
	for i, event := range events {
		next, err := Apply(c, event)
		if err != nil {
			return Configuration{}, fmt.Errorf("replay event #%d: %w", i, err)
		}
		c = next
	}
	return c, nil
}

// ReplayAll 并发重放多个行程的事件日志，同一行程内保持顺序。
// limit <= 0 表示不限制并发数；任一日志出错即返回错误
func ReplayAll(ctx context.Context, logs map[string][]Event, limit int) (map[string]Configuration, error) {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	var mu sync.Mutex
	out := make(map[string]Configuration, len(logs))

	for tripID, events := range logs {
		tripID, events := tripID, events
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := Replay(events...)
			if err != nil {
				return fmt.Errorf("trip %s: %w", tripID, err)
			}
			mu.Lock()
			out[tripID] = c
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

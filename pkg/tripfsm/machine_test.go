package tripfsm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingObserver struct {
	transitions []Event
	ignored     []Event
	rejected    []error
}

func (r *recordingObserver) OnTransition(ctx context.Context, tripID string, from, to Configuration, event Event) {
	r.transitions = append(r.transitions, event)
}

func (r *recordingObserver) OnIgnored(ctx context.Context, tripID string, current Configuration, event Event) {
	r.ignored = append(r.ignored, event)
}

func (r *recordingObserver) OnRejected(ctx context.Context, tripID string, event Event, err error) {
	r.rejected = append(r.rejected, err)
}

func TestMachine_BasicTransition(t *testing.T) {
	m := NewMachine("trip-1")

	if m.ID() != "trip-1" {
		t.Errorf("ID 错误: got %s", m.ID())
	}
	if m.Current() != Initial() {
		t.Errorf("初始状态错误: got %v", m.Current())
	}

	ctx := context.Background()
	got, err := m.Trigger(ctx, EventConfirmRequest)
	if err != nil {
		t.Fatalf("触发事件失败: %v", err)
	}
	if got.State() != AwaitingDriver || m.Current() != got {
		t.Errorf("状态转换失败: got %v", m.Current())
	}
}

func TestMachine_NoopIsNotAnError(t *testing.T) {
	m := NewMachine("trip-1")

	got, err := m.Trigger(context.Background(), EventStartTrip)
	if err != nil {
		t.Fatalf("no-op 不应返回错误: %v", err)
	}
	if got != Initial() {
		t.Errorf("no-op 后状态变化: %v", got)
	}
}

func TestMachine_UnknownEvent(t *testing.T) {
	obs := &recordingObserver{}
	m := NewMachine("trip-1", WithObserver(obs))

	got, err := m.Trigger(context.Background(), Event("TELEPORT"))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("期望 ErrUnknownEvent, got %v", err)
	}
	if got != Initial() || m.Current() != Initial() {
		t.Errorf("非法事件不应改变状态: %v", m.Current())
	}
	if len(obs.rejected) != 1 {
		t.Errorf("OnRejected 调用次数错误: %d", len(obs.rejected))
	}
}

func TestMachine_Observer(t *testing.T) {
	obs := &recordingObserver{}
	m := NewMachine("trip-1", WithObserver(obs))
	ctx := context.Background()

	_, _ = m.Trigger(ctx, EventConfirmRequest)
	_, _ = m.Trigger(ctx, EventConfirmRequest)
	_, _ = m.Trigger(ctx, EventCancel)

	if len(obs.transitions) != 2 {
		t.Errorf("OnTransition 调用次数错误: got %d, want 2", len(obs.transitions))
	}
	if len(obs.ignored) != 1 || obs.ignored[0] != EventConfirmRequest {
		t.Errorf("OnIgnored 调用错误: %v", obs.ignored)
	}
	if !m.Done() {
		t.Error("CANCEL 后应为终止状态")
	}
}

func TestMachine_CanceledContext(t *testing.T) {
	m := NewMachine("trip-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Trigger(ctx, EventConfirmRequest)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("期望 context.Canceled, got %v", err)
	}
	if m.Current() != Initial() {
		t.Errorf("ctx 已取消时不应改变状态: %v", m.Current())
	}
}

func TestMachine_History(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	m := NewMachine("trip-1", WithHistory(true), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, _ = m.Trigger(ctx, EventConfirmRequest)
	_, _ = m.Trigger(ctx, EventStartTrip)

	history := m.History()
	if len(history) != 2 {
		t.Fatalf("历史记录数量错误: got %d, want 2", len(history))
	}
	if !history[0].Applied || history[0].To.State() != AwaitingDriver {
		t.Errorf("第一条记录错误: %+v", history[0])
	}
	if history[1].Applied {
		t.Errorf("no-op 应记录为未应用: %+v", history[1])
	}
	if !history[0].At.Equal(now) {
		t.Errorf("记录时间错误: %v", history[0].At)
	}

	m.ClearHistory()
	if len(m.History()) != 0 {
		t.Error("清空后历史应为空")
	}
}

func TestMachine_Reset(t *testing.T) {
	m := NewMachine("trip-1", WithHistory(true))
	ctx := context.Background()
	_, _ = m.Trigger(ctx, EventConfirmRequest)

	_ = m.Reset()

	if m.Current() != Initial() {
		t.Errorf("重置后状态错误: got %v", m.Current())
	}
	if len(m.History()) != 0 {
		t.Error("重置后历史应为空")
	}
}

func TestMachine_WithInitial(t *testing.T) {
	start, _ := Riding(LeftCar, Driving)
	m := NewMachine("trip-1", WithInitial(start))

	got, err := m.Trigger(context.Background(), EventArrivedAtDestination)
	if err != nil {
		t.Fatalf("触发事件失败: %v", err)
	}
	if got.Rider() != LeftCar || got.Driver() != Arrived {
		t.Errorf("状态错误: %v", got)
	}

	_ = m.Reset()
	if m.Current() != start {
		t.Errorf("重置应回到恢复时的配置: %v", m.Current())
	}
}

func TestMachine_Can(t *testing.T) {
	m := NewMachine("trip-1")
	if !m.Can(EventCancel) {
		t.Error("应该可以触发 CANCEL")
	}
	if m.Can(EventCompleteTrip) {
		t.Error("不应该可以触发 COMPLETE_TRIP")
	}
}

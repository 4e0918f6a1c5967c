package tripfsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_OpenRemove(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	if _, err := r.Open("trip-1"); err != nil {
		t.Fatalf("打开行程失败: %v", err)
	}
	if _, err := r.Open("trip-2"); err != nil {
		t.Fatalf("打开行程失败: %v", err)
	}
	if _, err := r.Open("trip-1"); !errors.Is(err, ErrTripExists) {
		t.Errorf("期望 ErrTripExists, got %v", err)
	}

	if r.Count() != 2 {
		t.Errorf("行程数量错误: got %d, want 2", r.Count())
	}

	r.Remove("trip-1")
	if r.Count() != 1 {
		t.Errorf("行程数量错误: got %d, want 1", r.Count())
	}
	if _, ok := r.Get("trip-1"); ok {
		t.Error("移除后不应再能获取行程")
	}
}

func TestRegistry_Trigger(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	_, _ = r.Open("trip-1")

	ctx := context.Background()
	got, err := r.Trigger(ctx, "trip-1", EventConfirmRequest)
	if err != nil {
		t.Fatalf("触发失败: %v", err)
	}
	if got.State() != AwaitingDriver {
		t.Errorf("状态错误: got %v", got)
	}

	if _, err := r.Trigger(ctx, "missing", EventCancel); !errors.Is(err, ErrTripNotFound) {
		t.Errorf("期望 ErrTripNotFound, got %v", err)
	}
}

func TestRegistry_Load(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	persisted, _ := FromLeaves(LeafLeftCar, LeafDriving)
	if _, err := r.Load("trip-1", persisted); err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	got, _ := r.Trigger(context.Background(), "trip-1", EventArrivedAtDestination)
	if got.Rider() != LeftCar || got.Driver() != Arrived {
		t.Errorf("状态错误: got %v", got)
	}

	if _, err := r.Load("trip-2", Configuration{}); !errors.Is(err, ErrUnknownState) {
		t.Errorf("期望 ErrUnknownState, got %v", err)
	}
}

func TestRegistry_GetStates(t *testing.T) {
	r := NewRegistry(WithAutoOpen(true))
	defer r.Close()

	ctx := context.Background()
	_, _ = r.Trigger(ctx, "trip-1", EventConfirmRequest)
	_, _ = r.Trigger(ctx, "trip-2", EventCancel)

	states := r.States()
	if states["trip-1"].State() != AwaitingDriver {
		t.Errorf("trip-1 状态错误: got %v", states["trip-1"])
	}
	if states["trip-2"].State() != Cancelled {
		t.Errorf("trip-2 状态错误: got %v", states["trip-2"])
	}
}

func TestRegistry_ArchiveTerminal(t *testing.T) {
	var mu sync.Mutex
	archived := map[string]Configuration{}
	obs := &recordingObserver{}

	r := NewRegistry(
		WithArchiveTerminal(true),
		WithRegistryObserver(obs),
		WithOnArchive(func(tripID string, final Configuration) {
			mu.Lock()
			defer mu.Unlock()
			archived[tripID] = final
		}),
	)
	defer r.Close()

	ctx := context.Background()
	_, _ = r.Open("trip-1")
	_, _ = r.Trigger(ctx, "trip-1", EventCancel)

	if r.Count() != 0 {
		t.Errorf("终止后应被归档, 剩余 %d", r.Count())
	}
	mu.Lock()
	if archived["trip-1"].State() != Cancelled {
		t.Errorf("归档回调未收到最终配置: %v", archived)
	}
	mu.Unlock()

	// 归档后的已知事件为 no-op，不会重新打开行程
	got, err := r.Trigger(ctx, "trip-1", EventConfirmRequest)
	if err != nil {
		t.Fatalf("归档后的事件不应报错: %v", err)
	}
	if got.State() != Cancelled {
		t.Errorf("归档后的事件不应改变状态: %v", got)
	}
	if len(obs.ignored) != 1 {
		t.Errorf("OnIgnored 调用次数错误: %d", len(obs.ignored))
	}

	// 未知事件仍然报错
	if _, err := r.Trigger(ctx, "trip-1", Event("FLY")); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("期望 ErrUnknownEvent, got %v", err)
	}

	final, ok := r.Archived("trip-1")
	if !ok || final.State() != Cancelled {
		t.Errorf("Archived 返回错误: %v %v", final, ok)
	}

	// 重新打开同一ID会清除归档记录
	if _, err := r.Open("trip-1"); err != nil {
		t.Fatalf("重新打开失败: %v", err)
	}
	if _, ok := r.Archived("trip-1"); ok {
		t.Error("重新打开后不应保留归档记录")
	}
}

func TestRegistry_StaleMachineDoesNotArchiveReopenedTrip(t *testing.T) {
	r := NewRegistry(WithArchiveTerminal(true))
	defer r.Close()

	old, err := r.Open("trip-1")
	if err != nil {
		t.Fatalf("打开行程失败: %v", err)
	}
	r.Remove("trip-1")
	fresh, err := r.Open("trip-1")
	if err != nil {
		t.Fatalf("重新打开失败: %v", err)
	}

	// 移除前拿到的旧状态机进入终止状态
	if _, err := old.Trigger(context.Background(), EventCancel); err != nil {
		t.Fatalf("触发失败: %v", err)
	}

	got, ok := r.Get("trip-1")
	if !ok || got != fresh {
		t.Fatalf("新行程被旧状态机移除: ok=%v", ok)
	}
	if _, archived := r.Archived("trip-1"); archived {
		t.Error("旧状态机的终止不应归档新行程")
	}
	if fresh.Current() != Initial() {
		t.Errorf("新行程状态错误: %v", fresh.Current())
	}

	// 新行程自己的终止仍会归档
	if _, err := r.Trigger(context.Background(), "trip-1", EventCancel); err != nil {
		t.Fatalf("触发失败: %v", err)
	}
	if _, ok := r.Get("trip-1"); ok {
		t.Error("新行程终止后应被归档")
	}
	if final, ok := r.Archived("trip-1"); !ok || final.State() != Cancelled {
		t.Errorf("归档记录错误: %v %v", final, ok)
	}
}

func TestRegistry_TombstoneLimit(t *testing.T) {
	r := NewRegistry(WithArchiveTerminal(true), WithAutoOpen(true), WithTombstoneLimit(2))
	defer r.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = r.Trigger(ctx, fmt.Sprintf("trip-%d", i), EventCancel)
	}

	if _, ok := r.Archived("trip-0"); ok {
		t.Error("最早的归档记录应被淘汰")
	}
	if _, ok := r.Archived("trip-2"); !ok {
		t.Error("最新的归档记录应保留")
	}

	// trip-1 重新打开后再次归档，排在 trip-2 之后
	if _, err := r.Open("trip-1"); err != nil {
		t.Fatalf("重新打开失败: %v", err)
	}
	_, _ = r.Trigger(ctx, "trip-1", EventCancel)
	_, _ = r.Trigger(ctx, "trip-3", EventCancel)

	if _, ok := r.Archived("trip-2"); ok {
		t.Error("trip-2 应被淘汰")
	}
	for _, id := range []string{"trip-1", "trip-3"} {
		if _, ok := r.Archived(id); !ok {
			t.Errorf("%s 的归档记录应保留", id)
		}
	}
}

func TestRegistry_PostKeepsPerTripOrder(t *testing.T) {
	r := NewRegistry(WithAutoOpen(true), WithQueueSize(4))

	ctx := context.Background()
	sequence := []Event{EventConfirmRequest, EventAssignDriver, EventDriverArrived, EventStartTrip, EventArrivedAtDestination}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("trip-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, e := range sequence {
				if err := r.Post(ctx, id, e); err != nil {
					t.Errorf("Post(%s, %s) failed: %v", id, e, err)
				}
			}
		}()
	}
	wg.Wait()

	// Close 等待所有队列处理完
	r.Close()

	states := r.States()
	if len(states) != 20 {
		t.Fatalf("行程数量错误: got %d", len(states))
	}
	for id, c := range states {
		if c.State() != InProgress || c.Rider() != InCar || c.Driver() != Arrived {
			t.Errorf("%s 状态错误: %v", id, c)
		}
	}

	if err := r.Post(ctx, "trip-0", EventCancel); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("期望 ErrRegistryClosed, got %v", err)
	}
	if _, err := r.Open("trip-x"); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("期望 ErrRegistryClosed, got %v", err)
	}
}

func TestRegistry_PostArchivesTerminal(t *testing.T) {
	done := make(chan string, 1)
	r := NewRegistry(
		WithAutoOpen(true),
		WithArchiveTerminal(true),
		WithOnArchive(func(tripID string, final Configuration) { done <- tripID }),
	)
	defer r.Close()

	ctx := context.Background()
	_ = r.Post(ctx, "trip-1", EventConfirmRequest)
	_ = r.Post(ctx, "trip-1", EventCancel)

	if id := <-done; id != "trip-1" {
		t.Errorf("归档行程错误: %s", id)
	}
	if err := r.Post(ctx, "trip-1", EventCancel); err != nil {
		t.Errorf("归档后的重复事件不应报错: %v", err)
	}
}

func TestRegistry_ErrorHandler(t *testing.T) {
	errs := make(chan error, 1)
	r := NewRegistry(WithAutoOpen(true), WithErrorHandler(func(tripID string, event Event, err error) {
		errs <- err
	}))
	defer r.Close()

	_ = r.Post(context.Background(), "trip-1", Event("JUMP"))
	if err := <-errs; !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("期望 ErrUnknownEvent, got %v", err)
	}
}

package tripfsm

import "context"

// MachineID 行程状态机标识
const MachineID = "tripEntity"

// State 顶层状态。非并行状态下即为当前叶子，InProgress 时叶子由两个区域给出
type State uint8

const (
	stateUnknown State = iota
	RequestReceived
	AwaitingDriver
	Cancelled
	DriverEnRoute
	DriverArrived
	InProgress
	Completed
)

// RiderState 乘客区域 (inProgress.riderState) 的叶子
type RiderState uint8

const (
	riderUnknown RiderState = iota
	InCar
	LeftCar
)

// DriverState 司机区域 (inProgress.driverState) 的叶子
type DriverState uint8

const (
	driverUnknown DriverState = iota
	Driving
	Arrived
)

// Event 驱动状态转换的事件，不携带负载
type Event string

const (
	EventCancel               Event = "CANCEL"
	EventRiderLeft            Event = "RIDER_LEFT"
	EventStartTrip            Event = "START_TRIP"
	EventAssignDriver         Event = "ASSIGN_DRIVER"
	EventCompleteTrip         Event = "COMPLETE_TRIP"
	EventDriverArrived        Event = "DRIVER_ARRIVED"
	EventConfirmRequest       Event = "CONFIRM_REQUEST"
	EventArrivedAtDestination Event = "ARRIVED_AT_DESTINATION"
)

var allEvents = []Event{
	EventCancel,
	EventRiderLeft,
	EventStartTrip,
	EventAssignDriver,
	EventCompleteTrip,
	EventDriverArrived,
	EventConfirmRequest,
	EventArrivedAtDestination,
}

// Events 按声明顺序返回全部事件
func Events() []Event {
	return append([]Event(nil), allEvents...)
}

// Valid 判断事件是否为已知类型
func (e Event) Valid() bool {
	for _, known := range allEvents {
		if e == known {
			return true
		}
	}
	return false
}

func (e Event) String() string {
	return string(e)
}

// Observer 观察状态机的外部协作者（日志、指标等）
type Observer interface {
	// OnTransition 配置发生变化后调用
	OnTransition(ctx context.Context, tripID string, from, to Configuration, event Event)

	// OnIgnored 已知事件在当前配置下无效（no-op）时调用
	OnIgnored(ctx context.Context, tripID string, current Configuration, event Event)

	// OnRejected 输入非法（未知事件等）时调用
	OnRejected(ctx context.Context, tripID string, event Event, err error)
}

// StateMachine 单个行程实例的核心接口
type StateMachine interface {
	// Current 返回当前配置
	Current() Configuration

	// Trigger 应用事件，返回应用后的配置
	Trigger(ctx context.Context, event Event) (Configuration, error)

	// Can 检查事件在当前配置下是否会引起转换
	Can(event Event) bool

	// Reset 重置到初始配置
	Reset() error
}

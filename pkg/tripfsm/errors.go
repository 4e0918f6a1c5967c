package tripfsm

import "errors"

var (
	// ErrUnknownEvent 事件类型无法识别，属于调用方集成错误
	ErrUnknownEvent = errors.New("tripfsm: unknown event")

	// ErrUnknownState 配置或叶子名无法识别
	ErrUnknownState = errors.New("tripfsm: unknown state")

	// ErrTripNotFound 行程不存在
	ErrTripNotFound = errors.New("tripfsm: trip not found")

	// ErrTripExists 行程已存在
	ErrTripExists = errors.New("tripfsm: trip already exists")

	// ErrRegistryClosed 注册表已关闭
	ErrRegistryClosed = errors.New("tripfsm: registry is closed")

	// ErrMachineStopped 异步状态机已停止
	ErrMachineStopped = errors.New("tripfsm: machine stopped")
)

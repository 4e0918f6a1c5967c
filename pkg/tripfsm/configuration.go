package tripfsm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// 叶子状态完整路径
const (
	LeafRequestReceived = "created.requestReceived"
	LeafAwaitingDriver  = "created.awaitingDriver"
	LeafCancelled       = "cancelled"
	LeafDriverEnRoute   = "driverAssigned.driverEnRoute"
	LeafDriverArrived   = "driverAssigned.driverArrived"
	LeafInCar           = "inProgress.riderState.inCar"
	LeafLeftCar         = "inProgress.riderState.leftCar"
	LeafDriving         = "inProgress.driverState.driving"
	LeafArrived         = "inProgress.driverState.arrived"
	LeafCompleted       = "completed"
)

var stateLeaves = map[State]string{
	RequestReceived: LeafRequestReceived,
	AwaitingDriver:  LeafAwaitingDriver,
	Cancelled:       LeafCancelled,
	DriverEnRoute:   LeafDriverEnRoute,
	DriverArrived:   LeafDriverArrived,
	Completed:       LeafCompleted,
}

var riderLeaves = map[RiderState]string{
	InCar:   LeafInCar,
	LeftCar: LeafLeftCar,
}

var driverLeaves = map[DriverState]string{
	Driving: LeafDriving,
	Arrived: LeafArrived,
}

var (
	leafToState  = invert(stateLeaves)
	leafToRider  = invert(riderLeaves)
	leafToDriver = invert(driverLeaves)
)

func invert[K comparable](m map[K]string) map[string]K {
	out := make(map[string]K, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

func (s State) String() string {
	switch s {
	case RequestReceived:
		return "requestReceived"
	case AwaitingDriver:
		return "awaitingDriver"
	case Cancelled:
		return "cancelled"
	case DriverEnRoute:
		return "driverEnRoute"
	case DriverArrived:
		return "driverArrived"
	case InProgress:
		return "inProgress"
	case Completed:
		return "completed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

func (r RiderState) String() string {
	switch r {
	case InCar:
		return "inCar"
	case LeftCar:
		return "leftCar"
	}
	return fmt.Sprintf("RiderState(%d)", uint8(r))
}

func (d DriverState) String() string {
	switch d {
	case Driving:
		return "driving"
	case Arrived:
		return "arrived"
	}
	return fmt.Sprintf("DriverState(%d)", uint8(d))
}

// Configuration 当前处于活动状态的叶子集合。
// inProgress 之外只有一个叶子；inProgress 内部为 (乘客叶子, 司机叶子) 的乘积。
// 零值非法，只能通过构造函数或 FromLeaves 得到合法值。
type Configuration struct {
	state  State
	rider  RiderState
	driver DriverState
}

// Initial 新行程的初始配置 created.requestReceived
func Initial() Configuration {
	return Configuration{state: RequestReceived}
}

// At 返回指定顶层状态的配置。InProgress 总是以两个区域的初始叶子进入
func At(s State) (Configuration, error) {
	if s == InProgress {
		return Riding(InCar, Driving)
	}
	if _, ok := stateLeaves[s]; !ok {
		return Configuration{}, fmt.Errorf("%w: %v", ErrUnknownState, s)
	}
	return Configuration{state: s}, nil
}

// Riding 返回 inProgress 内指定区域叶子组合的配置
func Riding(rider RiderState, driver DriverState) (Configuration, error) {
	if _, ok := riderLeaves[rider]; !ok {
		return Configuration{}, fmt.Errorf("%w: %v", ErrUnknownState, rider)
	}
	if _, ok := driverLeaves[driver]; !ok {
		return Configuration{}, fmt.Errorf("%w: %v", ErrUnknownState, driver)
	}
	return Configuration{state: InProgress, rider: rider, driver: driver}, nil
}

// State 顶层状态
func (c Configuration) State() State { return c.state }

// Rider 乘客区域叶子，仅在 InProgress 下有意义
func (c Configuration) Rider() RiderState { return c.rider }

// Driver 司机区域叶子，仅在 InProgress 下有意义
func (c Configuration) Driver() DriverState { return c.driver }

// Equal 判断两个配置是否相同
func (c Configuration) Equal(other Configuration) bool { return c == other }

// IsTerminal cancelled 与 completed 为终止状态
func (c Configuration) IsTerminal() bool {
	return c.state == Cancelled || c.state == Completed
}

// Can 判断事件在该配置下是否会引起转换
func (c Configuration) Can(event Event) bool {
	next, err := Apply(c, event)
	return err == nil && next != c
}

// validate 检查配置是否属于可识别的配置集合
func (c Configuration) validate() error {
	if c.state == InProgress {
		if _, ok := riderLeaves[c.rider]; !ok {
			return fmt.Errorf("%w: rider region %v", ErrUnknownState, c.rider)
		}
		if _, ok := driverLeaves[c.driver]; !ok {
			return fmt.Errorf("%w: driver region %v", ErrUnknownState, c.driver)
		}
		return nil
	}
	if _, ok := stateLeaves[c.state]; !ok {
		return fmt.Errorf("%w: %v", ErrUnknownState, c.state)
	}
	if c.rider != riderUnknown || c.driver != driverUnknown {
		return fmt.Errorf("%w: region leaves outside inProgress", ErrUnknownState)
	}
	return nil
}

// ActiveLeaves 返回活动叶子的完整路径。inProgress 下依次为乘客、司机区域
func (c Configuration) ActiveLeaves() []string {
	if c.validate() != nil {
		return nil
	}
	if c.state == InProgress {
		return []string{riderLeaves[c.rider], driverLeaves[c.driver]}
	}
	return []string{stateLeaves[c.state]}
}

func (c Configuration) String() string {
	if c.validate() != nil {
		return "unknown"
	}
	if c.state == InProgress {
		return fmt.Sprintf("inProgress{riderState.%s, driverState.%s}", c.rider, c.driver)
	}
	return stateLeaves[c.state]
}

// FromLeaves 由活动叶子名重建配置，与 ActiveLeaves 互逆，不要求顺序
func FromLeaves(names ...string) (Configuration, error) {
	if len(names) == 0 {
		return Configuration{}, fmt.Errorf("%w: no active leaves", ErrUnknownState)
	}

	var c Configuration
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if s, ok := leafToState[name]; ok {
			if len(names) != 1 {
				return Configuration{}, fmt.Errorf("%w: %q cannot be combined with other leaves", ErrUnknownState, name)
			}
			return Configuration{state: s}, nil
		}
		if r, ok := leafToRider[name]; ok {
			if c.rider != riderUnknown {
				return Configuration{}, fmt.Errorf("%w: duplicate riderState leaf %q", ErrUnknownState, name)
			}
			c.rider = r
			continue
		}
		if d, ok := leafToDriver[name]; ok {
			if c.driver != driverUnknown {
				return Configuration{}, fmt.Errorf("%w: duplicate driverState leaf %q", ErrUnknownState, name)
			}
			c.driver = d
			continue
		}
		return Configuration{}, fmt.Errorf("%w: leaf %q", ErrUnknownState, name)
	}

	if c.rider == riderUnknown || c.driver == driverUnknown {
		return Configuration{}, fmt.Errorf("%w: inProgress needs one leaf per region", ErrUnknownState)
	}
	c.state = InProgress
	return c, nil
}

// MarshalJSON 序列化为活动叶子名数组
func (c Configuration) MarshalJSON() ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c.ActiveLeaves())
}

// UnmarshalJSON 从活动叶子名数组反序列化
func (c *Configuration) UnmarshalJSON(data []byte) error {
	var leaves []string
	if err := json.Unmarshal(data, &leaves); err != nil {
		return err
	}
	parsed, err := FromLeaves(leaves...)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

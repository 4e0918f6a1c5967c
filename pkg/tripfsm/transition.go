package tripfsm

import (
	"errors"
	"fmt"
	"strings"
)

// handler 声明在某个状态上的事件处理，子孙状态继承
type handler struct {
	source string
	event  Event
	target string
}

// tripHandlers 与状态树一一对应的事件声明
var tripHandlers = []handler{
	{source: "created", event: EventCancel, target: LeafCancelled},
	{source: LeafRequestReceived, event: EventConfirmRequest, target: LeafAwaitingDriver},
	{source: LeafAwaitingDriver, event: EventAssignDriver, target: "driverAssigned"},

	{source: "driverAssigned", event: EventCancel, target: LeafCancelled},
	{source: LeafDriverEnRoute, event: EventDriverArrived, target: LeafDriverArrived},
	{source: LeafDriverArrived, event: EventStartTrip, target: "inProgress"},

	{source: "inProgress", event: EventCompleteTrip, target: LeafCompleted},
	{source: "inProgress", event: EventCancel, target: LeafCancelled},
	{source: LeafInCar, event: EventRiderLeft, target: LeafLeftCar},
	{source: LeafDriving, event: EventArrivedAtDestination, target: LeafArrived},
}

// Transition 展开后的转换规则，From 总是叶子
type Transition struct {
	From   string   // 源叶子
	Event  Event    // 触发事件
	To     []string // 目标活动叶子
	Region string   // 非空时只替换该区域的叶子
	Source string   // 声明处理器的状态（继承时为祖先）

	target Configuration // Region 为空时的目标配置
}

func (t Transition) String() string {
	to := strings.Join(t.To, ", ")
	if t.Region != "" {
		return fmt.Sprintf("%s --%s--> %s (%s)", t.From, t.Event, to, t.Region)
	}
	return fmt.Sprintf("%s --%s--> %s", t.From, t.Event, to)
}

// transitionKey 唯一标识一个转换
type transitionKey struct {
	from  string
	event Event
}

var errDuplicateHandler = errors.New("tripfsm: duplicate handler")

// transitionTable 展开后的扁平转换表
type transitionTable struct {
	byKey   map[transitionKey]*Transition
	ordered []*Transition
}

// buildTable 把声明在祖先上的处理器展开到每个叶子，最深的声明优先
func buildTable(h *hierarchy, handlers []handler) (*transitionTable, error) {
	declared := make(map[transitionKey]handler, len(handlers))
	for _, hd := range handlers {
		if _, ok := h.nodes[hd.source]; !ok {
			return nil, fmt.Errorf("%w: handler source %q", ErrUnknownState, hd.source)
		}
		if _, ok := h.nodes[hd.target]; !ok {
			return nil, fmt.Errorf("%w: handler target %q", ErrUnknownState, hd.target)
		}
		key := transitionKey{from: hd.source, event: hd.event}
		if _, exists := declared[key]; exists {
			return nil, fmt.Errorf("%w: %s on %s", errDuplicateHandler, hd.event, hd.source)
		}
		declared[key] = hd
	}

	table := &transitionTable{byKey: make(map[transitionKey]*Transition)}
	for _, leaf := range h.leaves() {
		for _, event := range allEvents {
			for _, s := range h.ancestors(leaf) {
				hd, ok := declared[transitionKey{from: s, event: event}]
				if !ok {
					continue
				}

				to, err := h.entryLeaves(hd.target)
				if err != nil {
					return nil, err
				}
				t := &Transition{From: leaf, Event: event, To: to, Source: s}

				if r := h.region(s); r != "" && r == h.region(hd.target) {
					t.Region = r
				} else if t.target, err = FromLeaves(to...); err != nil {
					return nil, err
				}

				table.byKey[transitionKey{from: leaf, event: event}] = t
				table.ordered = append(table.ordered, t)
				break
			}
		}
	}
	return table, nil
}

func mustBuildTable(h *hierarchy, handlers []handler) *transitionTable {
	table, err := buildTable(h, handlers)
	if err != nil {
		panic(err)
	}
	return table
}

func (t *transitionTable) lookup(leaf string, event Event) (*Transition, bool) {
	tr, ok := t.byKey[transitionKey{from: leaf, event: event}]
	return tr, ok
}

var table = mustBuildTable(tripHierarchy(), tripHandlers)

// Transitions 返回展开后的全部转换规则（叶子按文档顺序，事件按声明顺序）
func Transitions() []Transition {
	out := make([]Transition, 0, len(table.ordered))
	for _, t := range table.ordered {
		cp := *t
		cp.To = append([]string(nil), t.To...)
		out = append(out, cp)
	}
	return out
}

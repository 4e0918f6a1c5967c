package tripfsm

import "fmt"

type nodeKind uint8

const (
	kindAtomic nodeKind = iota
	kindCompound
	kindParallel
	kindRegion
	kindFinal
)

type node struct {
	id      string
	kind    nodeKind
	initial string // compound/region 的初始子状态
}

// hierarchy 状态树，只在构建转换表时使用
type hierarchy struct {
	nodes    map[string]*node
	order    []string          // 文档顺序
	parent   map[string]string // 状态的父状态
	children map[string][]string
}

func newHierarchy() *hierarchy {
	return &hierarchy{
		nodes:    make(map[string]*node),
		parent:   make(map[string]string),
		children: make(map[string][]string),
	}
}

// addState 添加状态，parent 为空表示顶层状态
func (h *hierarchy) addState(id, parent string, kind nodeKind, initial string) {
	h.nodes[id] = &node{id: id, kind: kind, initial: initial}
	h.order = append(h.order, id)
	if parent != "" {
		h.parent[id] = parent
		h.children[parent] = append(h.children[parent], id)
	}
}

// tripHierarchy 行程状态树
func tripHierarchy() *hierarchy {
	h := newHierarchy()

	h.addState("created", "", kindCompound, LeafRequestReceived)
	h.addState(LeafRequestReceived, "created", kindAtomic, "")
	h.addState(LeafAwaitingDriver, "created", kindAtomic, "")

	h.addState(LeafCancelled, "", kindFinal, "")

	h.addState("driverAssigned", "", kindCompound, LeafDriverEnRoute)
	h.addState(LeafDriverEnRoute, "driverAssigned", kindAtomic, "")
	h.addState(LeafDriverArrived, "driverAssigned", kindAtomic, "")

	h.addState("inProgress", "", kindParallel, "")
	h.addState("inProgress.riderState", "inProgress", kindRegion, LeafInCar)
	h.addState(LeafInCar, "inProgress.riderState", kindAtomic, "")
	h.addState(LeafLeftCar, "inProgress.riderState", kindFinal, "")
	h.addState("inProgress.driverState", "inProgress", kindRegion, LeafDriving)
	h.addState(LeafDriving, "inProgress.driverState", kindAtomic, "")
	h.addState(LeafArrived, "inProgress.driverState", kindFinal, "")

	h.addState(LeafCompleted, "", kindFinal, "")

	return h
}

// ancestors 获取状态的所有祖先（包括自己），由内向外
func (h *hierarchy) ancestors(id string) []string {
	ancestors := []string{id}
	current := id
	for {
		parent, ok := h.parent[current]
		if !ok {
			break
		}
		ancestors = append(ancestors, parent)
		current = parent
	}
	return ancestors
}

// region 最近的区域祖先（包括自己），不在并行状态内返回空串
func (h *hierarchy) region(id string) string {
	for _, s := range h.ancestors(id) {
		if h.nodes[s].kind == kindRegion {
			return s
		}
	}
	return ""
}

// leaves 按文档顺序返回全部叶子
func (h *hierarchy) leaves() []string {
	var out []string
	for _, id := range h.order {
		if len(h.children[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// entryLeaves 进入某状态后活动的叶子：复合状态沿 initial 下降，并行状态进入全部区域
func (h *hierarchy) entryLeaves(id string) ([]string, error) {
	n, ok := h.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: node %q", ErrUnknownState, id)
	}
	switch n.kind {
	case kindAtomic, kindFinal:
		return []string{id}, nil
	case kindCompound, kindRegion:
		return h.entryLeaves(n.initial)
	case kindParallel:
		var out []string
		for _, child := range h.children[id] {
			leaves, err := h.entryLeaves(child)
			if err != nil {
				return nil, err
			}
			out = append(out, leaves...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: node %q has unknown kind", ErrUnknownState, id)
}

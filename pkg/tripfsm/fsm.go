package tripfsm

import (
	"fmt"
	"strings"
)

// Apply 对配置应用事件，返回新配置。纯函数，无副作用。
//
// 已知事件在当前配置下没有对应转换时原样返回配置（no-op，不是错误）；
// 未知事件返回 ErrUnknownEvent，非法配置返回 ErrUnknownState。
func Apply(c Configuration, event Event) (Configuration, error) {
	if !event.Valid() {
		return Configuration{}, fmt.Errorf("%w: %q", ErrUnknownEvent, string(event))
	}
	if err := c.validate(); err != nil {
		return Configuration{}, err
	}

	if c.state == InProgress {
		return applyParallel(c, event), nil
	}

	t, ok := table.lookup(stateLeaves[c.state], event)
	if !ok {
		return c, nil
	}
	return t.target, nil
}

// applyParallel 并行状态求值：任一区域命中离开 inProgress 的转换时整体退出，
// 否则各区域独立替换自己的叶子
func applyParallel(c Configuration, event Event) Configuration {
	rt, riderHit := table.lookup(riderLeaves[c.rider], event)
	dt, driverHit := table.lookup(driverLeaves[c.driver], event)

	if riderHit && rt.Region == "" {
		return rt.target
	}
	if driverHit && dt.Region == "" {
		return dt.target
	}

	next := c
	if riderHit {
		next.rider = leafToRider[rt.To[0]]
	}
	if driverHit {
		next.driver = leafToDriver[dt.To[0]]
	}
	return next
}

// MustApply 与 Apply 相同，输入非法时 panic
func MustApply(c Configuration, event Event) Configuration {
	next, err := Apply(c, event)
	if err != nil {
		panic(err)
	}
	return next
}

// ParseEvent 解析事件名，忽略首尾空白，大小写敏感
func ParseEvent(s string) (Event, error) {
	e := Event(strings.TrimSpace(s))
	if !e.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}
	return e, nil
}

// Reachable 从初始配置出发可达的全部配置（广度优先）
func Reachable() []Configuration {
	start := Initial()
	seen := map[Configuration]bool{start: true}
	queue := []Configuration{start}
	out := make([]Configuration, 0, 10)

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		out = append(out, c)

		for _, event := range allEvents {
			next := MustApply(c, event)
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return out
}

package tripfsm

import "context"

// ObserverFuncs 以函数形式实现 Observer，未设置的回调忽略
type ObserverFuncs struct {
	Transition func(ctx context.Context, tripID string, from, to Configuration, event Event)
	Ignored    func(ctx context.Context, tripID string, current Configuration, event Event)
	Rejected   func(ctx context.Context, tripID string, event Event, err error)
}

func (o ObserverFuncs) OnTransition(ctx context.Context, tripID string, from, to Configuration, event Event) {
	if o.Transition != nil {
		o.Transition(ctx, tripID, from, to, event)
	}
}

func (o ObserverFuncs) OnIgnored(ctx context.Context, tripID string, current Configuration, event Event) {
	if o.Ignored != nil {
		o.Ignored(ctx, tripID, current, event)
	}
}

func (o ObserverFuncs) OnRejected(ctx context.Context, tripID string, event Event, err error) {
	if o.Rejected != nil {
		o.Rejected(ctx, tripID, event, err)
	}
}

type multiObserver []Observer

// Observers 按顺序组合多个观察者，nil 会被跳过
func Observers(observers ...Observer) Observer {
	out := make(multiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiObserver) OnTransition(ctx context.Context, tripID string, from, to Configuration, event Event) {
	for _, o := range m {
		o.OnTransition(ctx, tripID, from, to, event)
	}
}

func (m multiObserver) OnIgnored(ctx context.Context, tripID string, current Configuration, event Event) {
	for _, o := range m {
		o.OnIgnored(ctx, tripID, current, event)
	}
}

func (m multiObserver) OnRejected(ctx context.Context, tripID string, event Event, err error) {
	for _, o := range m {
		o.OnRejected(ctx, tripID, event, err)
	}
}

package observe

import (
	"context"

	"github.com/junbin-yang/go-tripfsm/pkg/logger"
	"github.com/junbin-yang/go-tripfsm/pkg/tripfsm"
)

// LogObserver 把状态机事件写入日志：转换 info，无效事件 debug，非法输入 warn
type LogObserver struct {
	log logger.Logger
}

// NewLogObserver l 为 nil 时使用默认日志
func NewLogObserver(l logger.Logger) *LogObserver {
	if l == nil {
		l = logger.Default()
	}
	return &LogObserver{log: l}
}

func (o *LogObserver) OnTransition(_ context.Context, tripID string, from, to tripfsm.Configuration, event tripfsm.Event) {
	fields := []logger.Field{
		logger.String("trip", tripID),
		logger.String("event", event.String()),
		logger.Stringer("from", from),
		logger.Stringer("to", to),
	}
	if to.IsTerminal() {
		fields = append(fields, logger.Bool("final", true))
	}
	o.log.Info("trip transition", fields...)
}

func (o *LogObserver) OnIgnored(_ context.Context, tripID string, current tripfsm.Configuration, event tripfsm.Event) {
	o.log.Debug("trip event ignored",
		logger.String("trip", tripID),
		logger.String("event", event.String()),
		logger.Stringer("state", current),
	)
}

func (o *LogObserver) OnRejected(_ context.Context, tripID string, event tripfsm.Event, err error) {
	o.log.Warn("trip event rejected",
		logger.String("trip", tripID),
		logger.String("event", event.String()),
		logger.Err(err),
	)
}

// Multi 组合多个观察者，nil 被忽略
func Multi(observers ...tripfsm.Observer) tripfsm.Observer {
	return tripfsm.Observers(observers...)
}

var _ tripfsm.Observer = (*LogObserver)(nil)

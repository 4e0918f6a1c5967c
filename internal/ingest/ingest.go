package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/junbin-yang/go-tripfsm/internal/config"
	"github.com/junbin-yang/go-tripfsm/pkg/logger"
	"github.com/junbin-yang/go-tripfsm/pkg/tripfsm"
)

const (
	eventsToken = "events"
	stateToken  = "state"
)

var (
	// ErrMalformed 无法解析的消息
	ErrMalformed = errors.New("ingest: malformed message")
	// ErrDrainTimeout 退出时订阅未在限定时间内排空
	ErrDrainTimeout = errors.New("ingest: drain timeout")
)

const defaultDrainTimeout = 5 * time.Second

// Trips 事件落到的行程集合，*tripfsm.Registry 满足该接口
type Trips interface {
	Trigger(ctx context.Context, tripID string, event tripfsm.Event) (tripfsm.Configuration, error)
}

// Publisher 状态消息发布，*nats.Conn 满足该接口
type Publisher interface {
	Publish(subject string, data []byte) error
}

type Metrics interface {
	ReceivedInc()
	MalformedInc()
	ApplyObserve(d time.Duration)
	NATSPublishedInc()
	NATSPublishErrInc()
	NATSSetConnected(connected bool)
}

// EventMessage <prefix>.<tripID>.events 上的消息体
type EventMessage struct {
	Event string `json:"event"`
}

// StateMessage <prefix>.<tripID>.state 上的消息体，也作为请求-应答的回复
type StateMessage struct {
	TripID    string    `json:"tripId"`
	Event     string    `json:"event"`
	Leaves    []string  `json:"leaves,omitempty"`
	Terminal  bool      `json:"terminal"`
	Changed   bool      `json:"changed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Consumer 从 NATS 读取行程事件并应用到注册表
type Consumer struct {
	trips   Trips
	prefix  string
	pub     Publisher
	metrics Metrics
	log     logger.Logger
	now     func() time.Time
	ctx     context.Context

	drainTimeout time.Duration
}

type Option func(*Consumer)

func WithPublisher(p Publisher) Option {
	return func(c *Consumer) { c.pub = p }
}

func WithMetrics(m Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Consumer) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

// WithDrainTimeout 退出时等待订阅排空的最长时间
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.drainTimeout = d
		}
	}
}

func NewConsumer(trips Trips, prefix string, opts ...Option) *Consumer {
	c := &Consumer{
		trips:  trips,
		prefix: strings.TrimSuffix(prefix, "."),
		log:    logger.Default(),
		now:    time.Now,
		ctx:    context.Background(),

		drainTimeout: defaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EventsSubject 订阅主题
func (c *Consumer) EventsSubject() string {
	return c.prefix + ".*." + eventsToken
}

// StateSubject 行程状态发布主题
func (c *Consumer) StateSubject(tripID string) string {
	return c.prefix + "." + subjectToken(tripID) + "." + stateToken
}

// Connect 按配置连接 NATS，连接状态同步到 metrics
func Connect(cfg config.NATSConfig, m Metrics) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait.Std()),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", logger.Err(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected", logger.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return nc, nil
}

// Run 订阅事件主题直到 ctx 结束，退出前排空订阅中剩余的消息。
// 同一订阅的回调串行执行，单个行程的事件按到达顺序应用。
func (c *Consumer) Run(ctx context.Context, nc *nats.Conn, queue string) error {
	// 排空阶段的消息仍需应用
	c.ctx = context.WithoutCancel(ctx)
	if c.pub == nil {
		c.pub = nc
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = nc.QueueSubscribe(c.EventsSubject(), queue, c.HandleMessage)
	} else {
		sub, err = nc.Subscribe(c.EventsSubject(), c.HandleMessage)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.EventsSubject(), err)
	}
	c.log.Info("ingest subscribed", logger.String("subject", c.EventsSubject()), logger.String("queue", queue))

	<-ctx.Done()

	// Drain 只是开始排空，需等待订阅关闭后剩余回调才全部执行完
	closed := sub.StatusChanged(nats.SubscriptionClosed)
	if err := sub.Drain(); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}
		return fmt.Errorf("drain subscription: %w", err)
	}
	if !awaitClosed(closed, c.drainTimeout) {
		c.log.Warn("ingest drain timed out", logger.Duration("timeout", c.drainTimeout), logger.Bool("valid", sub.IsValid()))
		return fmt.Errorf("drain subscription %s: %w", c.EventsSubject(), ErrDrainTimeout)
	}
	c.log.Info("ingest drained", logger.String("subject", c.EventsSubject()))
	return nil
}

// awaitClosed 等待订阅进入关闭状态，超时返回 false
func awaitClosed(status <-chan nats.SubStatus, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case s, ok := <-status:
			if !ok || s == nats.SubscriptionClosed {
				return true
			}
		case <-timer.C:
			return false
		}
	}
}

// HandleMessage 处理一条事件消息，错误只记录不返回
func (c *Consumer) HandleMessage(msg *nats.Msg) {
	if c.metrics != nil {
		c.metrics.ReceivedInc()
	}

	tripID, event, err := c.decode(msg)
	if err != nil {
		if c.metrics != nil {
			c.metrics.MalformedInc()
		}
		c.log.Warn("ingest dropped message", logger.String("subject", msg.Subject), logger.Err(err))
		c.reply(msg, StateMessage{TripID: tripID, Error: err.Error(), Timestamp: c.now()})
		return
	}

	before, _ := c.current(tripID)
	start := time.Now()
	cfg, err := c.trips.Trigger(c.ctx, tripID, event)
	if c.metrics != nil {
		c.metrics.ApplyObserve(time.Since(start))
	}

	out := StateMessage{
		TripID:    tripID,
		Event:     event.String(),
		Timestamp: c.now(),
	}
	if err != nil {
		c.log.Warn("ingest event failed",
			logger.String("trip", tripID),
			logger.String("event", event.String()),
			logger.Err(err),
		)
		out.Error = err.Error()
		c.reply(msg, out)
		return
	}

	out.Leaves = cfg.ActiveLeaves()
	out.Terminal = cfg.IsTerminal()
	out.Changed = before != cfg

	data, err := json.Marshal(out)
	if err != nil {
		c.log.Error("ingest marshal state", logger.Err(err))
		return
	}
	if out.Changed {
		c.publish(c.StateSubject(tripID), data)
	}
	if msg.Reply != "" {
		c.publish(msg.Reply, data)
	}
}

// current 读取应用前的配置，用于判断是否变化。已归档的行程返回最终配置，
// 尚未创建的行程按初始配置计算（自动创建时从初始配置开始）
func (c *Consumer) current(tripID string) (tripfsm.Configuration, bool) {
	type lookup interface {
		Get(tripID string) (*tripfsm.Machine, bool)
		Archived(tripID string) (tripfsm.Configuration, bool)
	}
	l, ok := c.trips.(lookup)
	if !ok {
		return tripfsm.Configuration{}, false
	}
	if m, ok := l.Get(tripID); ok {
		return m.Current(), true
	}
	if final, ok := l.Archived(tripID); ok {
		return final, true
	}
	return tripfsm.Initial(), true
}

func (c *Consumer) decode(msg *nats.Msg) (string, tripfsm.Event, error) {
	tripID, ok := c.tripID(msg.Subject)
	if !ok {
		return "", "", fmt.Errorf("%w: unexpected subject %q", ErrMalformed, msg.Subject)
	}

	var em EventMessage
	if err := json.Unmarshal(msg.Data, &em); err != nil {
		return tripID, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	name := strings.TrimSpace(em.Event)
	if name == "" {
		return tripID, "", fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return tripID, tripfsm.Event(name), nil
}

// tripID 从 <prefix>.<tripID>.events 中取出行程ID
func (c *Consumer) tripID(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, c.prefix+".")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "."+eventsToken)
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

func (c *Consumer) reply(msg *nats.Msg, out StateMessage) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	c.publish(msg.Reply, data)
}

func (c *Consumer) publish(subject string, data []byte) {
	if c.pub == nil {
		return
	}
	err := c.pub.Publish(subject, data)
	if c.metrics != nil {
		if err != nil {
			c.metrics.NATSPublishErrInc()
		} else {
			c.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		c.log.Warn("nats publish failed", logger.String("subject", subject), logger.Err(err))
	}
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token 不能包含空白、'>'、'*' 和 '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

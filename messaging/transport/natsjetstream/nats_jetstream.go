// Package natsjetstream 通过 NATS JetStream 发布与订阅已提交事件
//
// 主题为 <prefix><group>.<eventType>；消息头 Nats-Msg-Id 取 group/id/version，
// 在流的去重窗口内重复发布同一事件只会保留一份。
package natsjetstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"epoque/logging"
	"epoque/messaging"
)

// jetStream 用到的 JetStream 能力子集，nats.JetStreamContext 满足该接口
type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// Config JetStream 传输配置
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	DurablePrefix string
	AckWait       time.Duration
	MaxAckPending int
	Logger        logging.Logger
	Conn          *nats.Conn

	// 可选：流参数
	Retention         string // limits|interest|workqueue（默认 limits）
	MaxBytes          int64  // 0 表示不设置
	Replicas          int    // 0 表示默认
	MaxMsgsPerSubject int64  // 每主题最大消息数，默认 -1
	Duplicates        time.Duration
}

// Transport 基于 JetStream 的事件传输
type Transport struct {
	cfg      Config
	logger   logging.Logger
	conn     *nats.Conn
	js       jetStream
	ownsConn bool

	dispatcher messaging.Dispatcher
	subs       map[string]*nats.Subscription

	mu      sync.RWMutex
	running bool
}

var _ messaging.Transport = (*Transport)(nil)

// NewTransport 创建传输；连接在 Start 时建立
func NewTransport(cfg Config) *Transport {
	if cfg.Stream == "" {
		cfg.Stream = "EPOQUE"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "epoque."
	}
	if cfg.DurablePrefix == "" {
		cfg.DurablePrefix = "epoque-"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("transport.nats")
	}
	return &Transport{
		cfg:    cfg,
		logger: cfg.Logger,
		subs:   make(map[string]*nats.Subscription),
	}
}

// Publish 按顺序发布，遇到第一个失败即返回
func (t *Transport) Publish(ctx context.Context, messages ...*messaging.Message) error {
	t.mu.RLock()
	js := t.js
	running := t.running
	t.mu.RUnlock()
	if !running || js == nil {
		return errors.New("nats transport not running")
	}

	for _, m := range messages {
		msg, err := t.encode(m)
		if err != nil {
			return err
		}
		if _, err := js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish %s: %w", m, err)
		}
	}
	return nil
}

// Subscribe 订阅事件类型；运行中订阅立即生效，否则在 Start 时建立
func (t *Transport) Subscribe(eventType string, handler messaging.Handler) error {
	if err := t.dispatcher.Subscribe(eventType, handler); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return t.subscribeLocked(eventType)
	}
	return nil
}

// Start 建立连接、确保流存在并为已注册的事件类型创建订阅
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("nats transport already running")
	}
	if err := t.ensureConnection(); err != nil {
		return err
	}
	if err := t.ensureStream(); err != nil {
		return err
	}
	for _, eventType := range t.dispatcher.Types() {
		if err := t.subscribeLocked(eventType); err != nil {
			return err
		}
	}
	t.running = true
	t.logger.Info(ctx, "nats transport started",
		logging.String("stream", t.cfg.Stream), logging.String("subject_prefix", t.cfg.SubjectPrefix))
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	for eventType, sub := range t.subs {
		_ = sub.Drain()
		delete(t.subs, eventType)
	}
	if t.ownsConn && t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.js = nil
	return nil
}

func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()
	return t.dispatcher.Stats(running)
}

func (t *Transport) ensureConnection() error {
	if t.js != nil {
		return nil
	}
	if t.cfg.Conn != nil {
		t.conn = t.cfg.Conn
	} else {
		if t.cfg.URL == "" {
			t.cfg.URL = nats.DefaultURL
		}
		conn, err := nats.Connect(t.cfg.URL, nats.Name("epoque"))
		if err != nil {
			return err
		}
		t.conn = conn
		t.ownsConn = true
	}
	js, err := t.conn.JetStream()
	if err != nil {
		return err
	}
	t.js = js
	return nil
}

func (t *Transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	_, err = t.js.AddStream(t.streamConfig())
	return err
}

func (t *Transport) streamConfig() *nats.StreamConfig {
	retention := nats.LimitsPolicy
	switch strings.ToLower(t.cfg.Retention) {
	case "interest":
		retention = nats.InterestPolicy
	case "workqueue":
		retention = nats.WorkQueuePolicy
	}
	sc := &nats.StreamConfig{
		Name:              t.cfg.Stream,
		Subjects:          []string{t.cfg.SubjectPrefix + ">"},
		Retention:         retention,
		MaxMsgsPerSubject: -1,
		Duplicates:        t.cfg.Duplicates,
	}
	if t.cfg.MaxMsgsPerSubject != 0 {
		sc.MaxMsgsPerSubject = t.cfg.MaxMsgsPerSubject
	}
	if t.cfg.MaxBytes > 0 {
		sc.MaxBytes = t.cfg.MaxBytes
	}
	if t.cfg.Replicas > 0 {
		sc.Replicas = t.cfg.Replicas
	}
	return sc
}

func (t *Transport) subscribeLocked(eventType string) error {
	if _, exists := t.subs[eventType]; exists {
		return nil
	}
	durable := t.durableName(eventType)
	sub, err := t.js.QueueSubscribe(t.filterSubject(eventType), durable, t.handleMessage,
		nats.ManualAck(),
		nats.Durable(durable),
		nats.AckWait(t.cfg.AckWait),
		nats.MaxAckPending(t.cfg.MaxAckPending))
	if err != nil {
		return err
	}
	t.subs[eventType] = sub
	return nil
}

// handleMessage 无法解码的消息直接确认；处理失败则 Nak 等待重投
func (t *Transport) handleMessage(msg *nats.Msg) {
	ctx := context.Background()
	decoded, err := decode(msg)
	if err != nil {
		t.logger.Warn(ctx, "decode nats message failed", logging.String("subject", msg.Subject), logging.Error(err))
		_ = msg.Ack()
		return
	}
	if err := t.dispatcher.Dispatch(ctx, decoded); err != nil {
		t.logger.Warn(ctx, "nats message handling failed", logging.String("message_id", decoded.ID), logging.Error(err))
		if nakErr := msg.Nak(); nakErr != nil {
			t.logger.Warn(ctx, "nats nak failed", logging.Error(nakErr))
		}
		return
	}
	if err := msg.Ack(); err != nil {
		t.logger.Warn(ctx, "nats ack failed", logging.Error(err))
	}
}

// Subject 事件的发布主题
func (t *Transport) Subject(m *messaging.Message) string {
	return t.cfg.SubjectPrefix + string(m.Group) + "." + m.Type
}

func (t *Transport) filterSubject(eventType string) string {
	if eventType == messaging.AllEvents {
		return t.cfg.SubjectPrefix + ">"
	}
	return t.cfg.SubjectPrefix + "*." + eventType
}

// durableName 持久消费者名不能包含 . * >
func (t *Transport) durableName(eventType string) string {
	if eventType == messaging.AllEvents {
		return t.cfg.DurablePrefix + "all"
	}
	return t.cfg.DurablePrefix + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(eventType)
}

func (t *Transport) encode(m *messaging.Message) (*nats.Msg, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m, err)
	}
	msg := nats.NewMsg(t.Subject(m))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, m.ID)
	return msg, nil
}

func decode(msg *nats.Msg) (*messaging.Message, error) {
	var m messaging.Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		m.ID = msg.Header.Get(nats.MsgIdHdr)
	}
	return &m, nil
}

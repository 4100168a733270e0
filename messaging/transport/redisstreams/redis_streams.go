// Package redisstreams 通过 Redis Streams 发布与订阅已提交事件
//
// 每个 journal 组对应一个流 <prefix><group>，条目字段为
// group、id、version、type、payload，以及 message_id、command_id、command_type、metadata、timestamp。
package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"epoque/eventing"
	"epoque/logging"
	"epoque/messaging"
)

// client 用到的 go-redis 命令子集
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config Redis Streams 传输配置
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Username     string
	Password     string
	DB           int
	StreamPrefix string
	// MaxLen >0 时 XADD 使用近似裁剪
	MaxLen int64

	// 订阅：读取这些组的流
	Groups       []eventing.JournalGroupID
	GroupName    string
	ConsumerName string
	BlockTimeout time.Duration
	ReadCount    int64
	Logger       logging.Logger

	// 并发与背压配置
	MaxPublishConcurrency int           // 限制同时进行的 XADD 数，0 表示不限制
	MinReadBackoff        time.Duration // 读取错误最小退避，默认 100ms
	MaxReadBackoff        time.Duration // 读取错误最大退避，默认 5s
}

// Transport 基于 Redis Streams 消费组的事件传输
type Transport struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger

	dispatcher messaging.Dispatcher

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pubSem chan struct{}
}

var _ messaging.Transport = (*Transport)(nil)

// NewTransport 创建传输；未提供 Client 时按 Addr 建立连接
func NewTransport(cfg Config) (*Transport, error) {
	var cl client
	own := false
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("redis client not configured")
		}
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
		own = true
	}
	t := newTransport(cl, cfg)
	t.ownClient = own
	return t, nil
}

func newTransport(cl client, cfg Config) *Transport {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "epoque:events:"
	}
	if cfg.GroupName == "" {
		cfg.GroupName = "epoque"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.MinReadBackoff <= 0 {
		cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReadBackoff <= 0 {
		cfg.MaxReadBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("transport.redisstreams")
	}
	t := &Transport{cfg: cfg, client: cl, logger: cfg.Logger}
	if cfg.MaxPublishConcurrency > 0 {
		t.pubSem = make(chan struct{}, cfg.MaxPublishConcurrency)
	}
	return t
}

// Publish 依次 XADD；Redis Streams 不支持跨流的批量追加
func (t *Transport) Publish(ctx context.Context, messages ...*messaging.Message) error {
	for _, m := range messages {
		if err := t.publish(ctx, m); err != nil {
			return fmt.Errorf("publish %s: %w", m, err)
		}
	}
	return nil
}

func (t *Transport) publish(ctx context.Context, m *messaging.Message) error {
	if t.pubSem != nil {
		select {
		case t.pubSem <- struct{}{}:
			defer func() { <-t.pubSem }()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	values, err := encodeMessage(m)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: t.StreamName(m.Group), Values: values}
	if t.cfg.MaxLen > 0 {
		args.MaxLen = t.cfg.MaxLen
		args.Approx = true
	}
	return t.client.XAdd(ctx, args).Err()
}

// Subscribe 注册处理器；消息来自 Config.Groups 中各组的流
func (t *Transport) Subscribe(eventType string, handler messaging.Handler) error {
	return t.dispatcher.Subscribe(eventType, handler)
}

// Start 为每个组启动一个消费循环
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("redis streams transport already running")
	}
	ctx, t.cancel = context.WithCancel(ctx)
	for _, group := range t.cfg.Groups {
		t.wg.Add(1)
		go t.readLoop(ctx, t.StreamName(group))
	}
	t.running = true
	return nil
}

// Close 停止消费循环；自行创建的客户端一并关闭
func (t *Transport) Close() error {
	t.mu.Lock()
	running := t.running
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	if running && cancel != nil {
		cancel()
		t.wg.Wait()
	}
	if t.ownClient {
		return t.client.Close()
	}
	return nil
}

func (t *Transport) Stats() messaging.TransportStats {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	return t.dispatcher.Stats(running)
}

// StreamName 组对应的流
func (t *Transport) StreamName(group eventing.JournalGroupID) string {
	return t.cfg.StreamPrefix + string(group)
}

func (t *Transport) readLoop(ctx context.Context, stream string) {
	defer t.wg.Done()
	if err := t.ensureGroup(ctx, stream); err != nil {
		t.logger.Warn(ctx, "ensure group failed", logging.String("stream", stream), logging.Error(err))
	}
	args := &redis.XReadGroupArgs{
		Group:    t.cfg.GroupName,
		Consumer: t.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    t.cfg.ReadCount,
		Block:    t.cfg.BlockTimeout,
	}
	backoff := t.cfg.MinReadBackoff
	for ctx.Err() == nil {
		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			t.logger.Warn(ctx, "xreadgroup failed", logging.Duration("backoff", backoff), logging.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, t.cfg.MaxReadBackoff)
			continue
		}
		backoff = t.cfg.MinReadBackoff
		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				t.handleEntry(ctx, streamRes.Stream, entry)
			}
		}
	}
}

// handleEntry 处理失败只记录日志；条目总会被确认
func (t *Transport) handleEntry(ctx context.Context, stream string, entry redis.XMessage) {
	msg, err := decodeMessage(entry)
	if err != nil {
		t.logger.Warn(ctx, "decode redis stream entry failed", logging.String("entry", entry.ID), logging.Error(err))
	} else if err := t.dispatcher.Dispatch(ctx, msg); err != nil {
		t.logger.Warn(ctx, "redis stream message handling failed", logging.String("message_id", msg.ID), logging.Error(err))
	}
	if err := t.client.XAck(ctx, stream, t.cfg.GroupName, entry.ID).Err(); err != nil {
		t.logger.Warn(ctx, "xack failed", logging.Error(err))
	}
}

func (t *Transport) ensureGroup(ctx context.Context, stream string) error {
	err := t.client.XGroupCreateMkStream(ctx, stream, t.cfg.GroupName, "0").Err()
	if err == nil || strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
}

func encodeMessage(m *messaging.Message) (map[string]any, error) {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, err
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"group":        string(m.Group),
		"id":           string(m.JournalID),
		"version":      strconv.FormatUint(uint64(m.Version), 10),
		"type":         m.Type,
		"payload":      string(m.Payload),
		"message_id":   m.ID,
		"command_id":   m.CommandID,
		"command_type": m.CommandType,
		"metadata":     string(metadata),
		"timestamp":    strconv.FormatInt(ts.UnixNano(), 10),
	}, nil
}

func decodeMessage(entry redis.XMessage) (*messaging.Message, error) {
	str := func(field string) string {
		switch v := entry.Values[field].(type) {
		case string:
			return v
		case []byte:
			return string(v)
		case nil:
			return ""
		default:
			return fmt.Sprint(v)
		}
	}

	group, id, eventType := str("group"), str("id"), str("type")
	if group == "" || id == "" || eventType == "" {
		return nil, fmt.Errorf("entry %s is missing group, id or type", entry.ID)
	}
	version, err := strconv.ParseUint(str("version"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("entry %s has invalid version: %w", entry.ID, err)
	}

	m := &messaging.Message{
		ID:          str("message_id"),
		Group:       eventing.JournalGroupID(group),
		JournalID:   eventing.JournalID(id),
		Version:     eventing.Version(version),
		Type:        eventType,
		Payload:     []byte(str("payload")),
		CommandID:   str("command_id"),
		CommandType: str("command_type"),
		Timestamp:   time.Now(),
	}
	if raw := str("metadata"); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &m.Metadata); err != nil {
			return nil, fmt.Errorf("entry %s has invalid metadata: %w", entry.ID, err)
		}
	}
	if ns, err := strconv.ParseInt(str("timestamp"), 10, 64); err == nil {
		m.Timestamp = time.Unix(0, ns)
	}
	if m.ID == "" {
		m.ID = messaging.MessageID(m.Key(), m.Version)
	}
	return m, nil
}

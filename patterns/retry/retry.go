// Package retry 提供调用方侧的重试
//
// 引擎本身从不重试：写冲突与超时原样返回给调用方，由调用方决定是否用 Do 重新提交命令。
// 退避由 cenkalti/backoff 计算，默认不加随机抖动。
package retry

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"epoque/errors"
)

// Operation 可重试的操作函数类型
type Operation func(ctx context.Context) error

// OperationWithInfo 接收当前尝试次数（从 1 开始）
type OperationWithInfo func(ctx context.Context, attempt int) error

// Config 重试配置
type Config struct {
	MaxAttempts   int           // 最大尝试次数（包括首次）
	InitialDelay  time.Duration // 初始退避延迟
	BackoffFactor float64       // 退避倍数（指数退避）
	MaxDelay      time.Duration // 最大延迟
	Jitter        float64       // 随机抖动比例，0 表示固定延迟

	// RetryIf 判断错误是否值得重试；nil 表示所有错误都重试
	RetryIf func(err error) bool

	// OnRetry 每次退避前调用
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig 返回默认配置：1 次初始 + 1 次重试，2ms 起步指数退避，上限 1s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   2,
		InitialDelay:  2 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      1 * time.Second,
	}
}

// CommandConfig 适用于重新提交命令：只在写冲突或超时时重试
func CommandConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.RetryIf = OnConflictOrTimeout
	return cfg
}

// OnConflict 只重试 EVENT_WRITE_CONFLICT；链式命令失败按其原因判断
func OnConflict(err error) bool { return errors.IsConflict(chainCause(err)) }

// OnConflictOrTimeout 重试写冲突与超时；业务拒绝等其他错误立即返回
func OnConflictOrTimeout(err error) bool {
	err = chainCause(err)
	return errors.IsConflict(err) || errors.IsTimeout(err)
}

// chainCause 剥掉 COMMAND_CHAIN_FAILURE 外层，返回链式命令自身的错误
func chainCause(err error) error {
	for errors.IsErrorCode(err, errors.ErrCodeCommandChainFailure) {
		var appErr *errors.AppError
		if !stdErrors.As(err, &appErr) || appErr.Cause() == nil {
			break
		}
		err = appErr.Cause()
	}
	return err
}

// Do 执行带重试的操作
//
// 返回最后一次尝试的错误；RetryIf 拒绝的错误立即返回。
//
//	out, err := retry.DoValue(ctx, func(ctx context.Context) (*command.Output, error) {
//	    return router.Process(ctx, input)
//	}, retry.CommandConfig())
func Do(ctx context.Context, op Operation, cfg Config) error {
	return DoWithInfo(ctx, func(ctx context.Context, _ int) error { return op(ctx) }, cfg)
}

// DoWithInfo 执行带重试的操作，每次尝试都会传入当前尝试次数
//
// 退避期间 ctx 结束时返回最后一次尝试的错误而不是 ctx 的错误。
func DoWithInfo(ctx context.Context, op OperationWithInfo, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		attempt int
		lastErr error
	)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(cfg.backOff()),
		backoff.WithMaxTries(uint(max(cfg.MaxAttempts, 1))),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, err, delay)
			}
		}),
	)
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}

// DoValue 与 Do 相同，返回最后一次成功尝试的结果
func DoValue[T any](ctx context.Context, op func(ctx context.Context) (T, error), cfg Config) (T, error) {
	var result T
	err := Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, cfg)
	return result, err
}

// maxInterval MaxDelay 为 0 时的上限
const maxInterval = time.Duration(1<<63 - 1)

func (c Config) backOff() *backoff.ExponentialBackOff {
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	limit := c.MaxDelay
	if limit <= 0 {
		limit = maxInterval
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialDelay,
		RandomizationFactor: c.Jitter,
		Multiplier:          factor,
		MaxInterval:         limit,
	}
	b.Reset()
	return b
}

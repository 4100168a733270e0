package logging

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(old) })
	return &buf
}

// TestFormatValue 测试值格式化
func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "字符串", value: "test", want: "test"},
		{name: "错误", value: errors.New("error message"), want: "error message"},
		{name: "整数", value: 123, want: "123"},
		{name: "布尔值", value: true, want: "true"},
		{name: "Stringer", value: InfoLevel, want: "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatValue(tt.value); got != tt.want {
				t.Errorf("formatValue() = %s, 期望 %s", got, tt.want)
			}
		})
	}
}

// TestParseLevel 测试级别解析
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: DebugLevel},
		{in: "INFO", want: InfoLevel},
		{in: "", want: InfoLevel},
		{in: "warning", want: WarnLevel},
		{in: " Error ", want: ErrorLevel},
		{in: "verbose", want: InfoLevel, wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseLevel(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, 期望 %v", tt.in, got, tt.want)
		}
	}
}

// TestStdLogger_Levels 测试各级别输出
func TestStdLogger_Levels(t *testing.T) {
	buf := captureLog(t)
	logger := NewStdLogger("test")
	ctx := context.Background()

	logger.Debug(ctx, "debug message", String("key", "value"))
	logger.Info(ctx, "info message", Int("count", 123))
	logger.Warn(ctx, "warn message", Bool("critical", true))
	logger.Error(ctx, "error message", Error(errors.New("test error")))

	output := buf.String()
	for _, want := range []string{
		"[DEBUG] test debug message key=value",
		"[INFO] test info message count=123",
		"[WARN] test warn message critical=true",
		"[ERROR] test error message error=test error",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("输出不包含 %q: %s", want, output)
		}
	}
}

// TestStdLogger_LevelFilter 测试低级别日志被丢弃
func TestStdLogger_LevelFilter(t *testing.T) {
	buf := captureLog(t)
	logger := NewStdLogger("test").WithLevel(WarnLevel)
	ctx := context.Background()

	logger.Debug(ctx, "hidden debug")
	logger.Info(ctx, "hidden info")
	logger.Warn(ctx, "shown warn")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("低于 Warn 的日志不应输出: %s", output)
	}
	if !strings.Contains(output, "shown warn") {
		t.Error("输出不包含 Warn 日志")
	}
}

// TestStdLogger_WithFields 测试 WithFields 追加字段且不改变原 Logger
func TestStdLogger_WithFields(t *testing.T) {
	buf := captureLog(t)
	logger := NewStdLogger("")
	child := logger.WithFields(String("module", "auth"), String("user", "admin"))

	child.Info(context.Background(), "login", String("ip", "192.168.1.1"))

	output := buf.String()
	for _, want := range []string{"module=auth", "user=admin", "ip=192.168.1.1"} {
		if !strings.Contains(output, want) {
			t.Errorf("输出不包含 %s", want)
		}
	}
	if len(logger.fields) != 0 {
		t.Error("WithFields 改变了原 Logger 的 fields")
	}
	if n := len(child.(*StdLogger).fields); n != 2 {
		t.Errorf("新 Logger 的 fields 数量 = %d, 期望 2", n)
	}
}

// TestNoopLogger 测试 NoopLogger
func TestNoopLogger(t *testing.T) {
	logger := NewNoopLogger()
	ctx := context.Background()

	logger.Debug(ctx, "test")
	logger.Error(ctx, "test")

	if logger.WithFields(String("key", "value")) != Logger(logger) {
		t.Error("NoopLogger.WithFields 应该返回自身")
	}
}

// TestGlobalLogger 测试全局 Logger 与 ComponentLogger
func TestGlobalLogger(t *testing.T) {
	original := GetLogger()
	defer SetLogger(original)

	SetLogger(NewStdLogger("global"))
	buf := captureLog(t)

	ComponentLogger("executor").Info(context.Background(), "ready")
	if !strings.Contains(buf.String(), "component=executor") {
		t.Errorf("输出不包含 component 字段: %s", buf.String())
	}

	SetLogger(nil)
	if _, ok := GetLogger().(*NoopLogger); !ok {
		t.Error("SetLogger(nil) 应该回退为 NoopLogger")
	}
}

// Package validation 提供命令字段校验规则与按命令类型注册的校验器
//
// Registry 实现 middleware.Validator，可直接交给 NewValidationCallback。
package validation

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"
)

// Identifier 字母、数字、下划线与连字符
var Identifier = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// FieldError 单个字段的校验失败
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + " " + e.Message
}

// Errors 多个字段错误
type Errors []*FieldError

func (e Errors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, fe := range e {
		msgs = append(msgs, fe.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e Errors) Unwrap() []error {
	out := make([]error, 0, len(e))
	for _, fe := range e {
		out = append(out, fe)
	}
	return out
}

func fieldErrorf(field, format string, args ...any) error {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Required 去除空白后不能为空
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fieldErrorf(field, "is required")
	}
	return nil
}

// StringLength 按字符数校验长度；max<=0 表示不限上限
func StringLength(field, value string, min, max int) error {
	n := utf8.RuneCountInString(value)
	if n < min {
		return fieldErrorf(field, "must be at least %d characters (got %d)", min, n)
	}
	if max > 0 && n > max {
		return fieldErrorf(field, "must be at most %d characters (got %d)", max, n)
	}
	return nil
}

func IntRange(field string, value, min, max int) error {
	if value < min || value > max {
		return fieldErrorf(field, "must be between %d and %d (got %d)", min, max, value)
	}
	return nil
}

func Positive(field string, value int) error {
	if value <= 0 {
		return fieldErrorf(field, "must be positive (got %d)", value)
	}
	return nil
}

func Enum(field, value string, allowed ...string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return fieldErrorf(field, "must be one of %v (got %q)", allowed, value)
}

// Pattern 正则校验；desc 描述期望格式
func Pattern(field, value string, re *regexp.Regexp, desc string) error {
	if !re.MatchString(value) {
		return fieldErrorf(field, "must be %s", desc)
	}
	return nil
}

// Collect 合并多个校验结果，全部通过时返回 nil
//
// FieldError 与 Errors 被展开合并；其他错误原样返回（第一个为准）。
func Collect(errs ...error) error {
	var out Errors
	for _, err := range errs {
		switch e := err.(type) {
		case nil:
		case *FieldError:
			out = append(out, e)
		case Errors:
			out = append(out, e...)
		default:
			return err
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Registry 按命令类型登记校验规则
type Registry struct {
	mu    sync.RWMutex
	rules map[reflect.Type]func(any) error
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[reflect.Type]func(any) error)}
}

// Register 为类型 C 登记规则；同一类型重复登记时规则依次执行
func Register[C any](r *Registry, rule func(C) error) {
	t := reflect.TypeFor[C]()

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.rules[t]
	r.rules[t] = func(v any) error {
		if prev != nil {
			if err := prev(v); err != nil {
				return err
			}
		}
		return rule(v.(C))
	}
}

// Struct 校验 s；指针解引用后按值类型查找，未登记的类型直接通过
func (r *Registry) Struct(s any) error {
	if s == nil {
		return nil
	}
	v := reflect.ValueOf(s)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}

	r.mu.RLock()
	rule, ok := r.rules[v.Type()]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return rule(v.Interface())
}

// Len 已登记的类型数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Package registry 提供按类型标签索引的不可变注册表
//
// 注册表在组装阶段通过 Builder 一次性构建，构建完成后只读，可被多个 goroutine 并发查找。
// 命令编解码器、事件编解码器、事件处理器与命令处理器都使用它来按类型标签分发。
package registry

import (
	"fmt"
	"sort"

	"epoque/errors"
)

// NotFoundFunc 查找失败时构造的错误，必须携带类型标签
type NotFoundFunc func(tag string) error

// Registry 类型标签 -> V 的只读映射
type Registry[V any] struct {
	name     string
	entries  map[string]V
	notFound NotFoundFunc
}

// Builder 追加式构建器，重复标签在 Build 时报错
type Builder[V any] struct {
	name     string
	entries  map[string]V
	order    []string
	notFound NotFoundFunc
	errs     []error
}

// NewBuilder 创建构建器；notFound 为 nil 时使用通用的 UNEXPECTED 错误
func NewBuilder[V any](name string, notFound NotFoundFunc) *Builder[V] {
	if notFound == nil {
		notFound = func(tag string) error {
			return errors.NewErrorf(errors.ErrCodeUnexpected, "%s: no entry for type %q", name, tag).
				WithContext("type", tag)
		}
	}
	return &Builder[V]{name: name, entries: make(map[string]V), notFound: notFound}
}

// Add 注册一个条目
func (b *Builder[V]) Add(tag string, v V) error {
	if tag == "" {
		err := errors.InvalidConfiguration("%s: type tag cannot be empty", b.name)
		b.errs = append(b.errs, err)
		return err
	}
	if _, exists := b.entries[tag]; exists {
		err := errors.DuplicateRegistration(tag).WithContext("registry", b.name)
		b.errs = append(b.errs, err)
		return err
	}
	b.entries[tag] = v
	b.order = append(b.order, tag)
	return nil
}

// MustAdd 注册条目，失败时 panic（仅用于静态装配）
func (b *Builder[V]) MustAdd(tag string, v V) *Builder[V] {
	if err := b.Add(tag, v); err != nil {
		panic(err)
	}
	return b
}

// Build 校验并生成不可变注册表；Add 阶段的第一个错误在此返回
func (b *Builder[V]) Build() (*Registry[V], error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	entries := make(map[string]V, len(b.entries))
	for k, v := range b.entries {
		entries[k] = v
	}
	return &Registry[V]{name: b.name, entries: entries, notFound: b.notFound}, nil
}

// Empty 返回没有任何条目的注册表
func Empty[V any](name string, notFound NotFoundFunc) *Registry[V] {
	r, _ := NewBuilder[V](name, notFound).Build()
	return r
}

func (r *Registry[V]) Name() string { return r.name }

// Find 按标签查找；未命中返回构造好的 not-found 错误
func (r *Registry[V]) Find(tag string) (V, error) {
	if v, ok := r.entries[tag]; ok {
		return v, nil
	}
	var zero V
	return zero, r.notFound(tag)
}

// Contains 标签是否已注册
func (r *Registry[V]) Contains(tag string) bool {
	_, ok := r.entries[tag]
	return ok
}

func (r *Registry[V]) Len() int { return len(r.entries) }

// ToMap 返回条目副本，用于组合
func (r *Registry[V]) ToMap() map[string]V {
	out := make(map[string]V, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Types 返回排序后的全部标签
func (r *Registry[V]) Types() []string {
	tags := make([]string, 0, len(r.entries))
	for k := range r.entries {
		tags = append(tags, k)
	}
	sort.Strings(tags)
	return tags
}

// Merge 合并多个注册表，任何重复标签都会导致失败；结果沿用第一个注册表的名称与 not-found 构造器
func Merge[V any](registries ...*Registry[V]) (*Registry[V], error) {
	if len(registries) == 0 {
		return nil, fmt.Errorf("registry: nothing to merge")
	}
	first := registries[0]
	b := NewBuilder[V](first.name, first.notFound)
	for _, r := range registries {
		for _, tag := range r.Types() {
			if err := b.Add(tag, r.entries[tag]); err != nil {
				return nil, err
			}
		}
	}
	return b.Build()
}

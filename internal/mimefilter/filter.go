// Package mimefilter decides which content types may be persisted by the cache
// tiers. A Filter works as either a retain-list or a reject-list and can be
// mutated at runtime.
package mimefilter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Policy 决定集合的语义。
type Policy string

const (
	// PolicyRetain 仅保留集合内的类型。
	PolicyRetain Policy = "retain"
	// PolicyReject 保留集合外的所有类型。
	PolicyReject Policy = "reject"
)

// ParsePolicy 解析配置中的策略字符串，空串视为 retain。
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyRetain:
		return PolicyRetain, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unsupported mime policy: %s", raw)
	}
}

// defaultRetained 是未配置时使用的静态资源类型。
var defaultRetained = []string{
	"text/html",
	"text/css",
	"text/javascript",
	"application/javascript",
	"application/x-javascript",
	"application/json",
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"image/svg+xml",
	"image/x-icon",
	"font/woff",
	"font/woff2",
	"font/ttf",
	"application/font-woff",
}

// DefaultTypes 返回默认保留列表的副本。
func DefaultTypes() []string {
	return append([]string(nil), defaultRetained...)
}

// Filter 是并发安全的媒体类型集合。
type Filter struct {
	mu     sync.RWMutex
	policy Policy
	types  map[string]struct{}
}

// New 以指定策略与初始集合构造 Filter。
func New(policy Policy, types []string) *Filter {
	f := &Filter{}
	f.Replace(policy, types)
	return f
}

// Default 返回使用默认保留列表的 retain 策略过滤器。
func Default() *Filter {
	return New(PolicyRetain, defaultRetained)
}

// ShouldRetain 报告该类型是否允许进入缓存；空类型永远不保留。
func (f *Filter) ShouldRetain(mimeType string) bool {
	if f == nil {
		return false
	}
	key := normalize(mimeType)
	if key == "" {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, listed := f.types[key]
	if f.policy == PolicyReject {
		return !listed
	}
	return listed
}

// ShouldReject 与 ShouldRetain 相反。
func (f *Filter) ShouldReject(mimeType string) bool {
	return !f.ShouldRetain(mimeType)
}

func (f *Filter) Add(mimeType string) {
	key := normalize(mimeType)
	if key == "" {
		return
	}
	// 调用方可能传入复用缓冲区上的字符串（例如 fiber 的 Query），入表前复制。
	key = strings.Clone(key)
	f.mu.Lock()
	f.types[key] = struct{}{}
	f.mu.Unlock()
}

func (f *Filter) Remove(mimeType string) {
	f.mu.Lock()
	delete(f.types, normalize(mimeType))
	f.mu.Unlock()
}

// Clear 清空集合，策略保持不变。
func (f *Filter) Clear() {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.types = make(map[string]struct{})
	f.mu.Unlock()
}

// Replace 原子地替换策略与集合，供配置热更新使用。
func (f *Filter) Replace(policy Policy, types []string) {
	if policy == "" {
		policy = PolicyRetain
	}
	next := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := normalize(t); key != "" {
			next[strings.Clone(key)] = struct{}{}
		}
	}
	f.mu.Lock()
	f.policy = policy
	f.types = next
	f.mu.Unlock()
}

func (f *Filter) Policy() Policy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.policy
}

// Types 返回排序后的集合快照。
func (f *Filter) Types() []string {
	f.mu.RLock()
	out := make([]string, 0, len(f.types))
	for t := range f.types {
		out = append(out, t)
	}
	f.mu.RUnlock()
	sort.Strings(out)
	return out
}

func normalize(mimeType string) string {
	value, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(value))
}

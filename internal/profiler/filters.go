package profiler

import (
	"fmt"
	"strings"
	"sync"

	"DbSessionProfiler/internal/session"
)

// Filter 剖析过滤器接口
//
// 过滤器根据操作名称与标签判定是否跳过计时捕获。过滤器构造后无状态，
// 判定必须是纯函数。
type Filter interface {
	Kind() string
	ShouldExclude(name string, tags *session.TagSet) bool
}

// FilterSpec 过滤器配置项（kind + 参数字符串）
type FilterSpec struct {
	Kind string `yaml:"kind" mapstructure:"kind" json:"kind"`
	Args string `yaml:"args" mapstructure:"args" json:"args"`
}

// FilterConstructor 过滤器构造函数
type FilterConstructor func(args string) (Filter, error)

// 过滤器注册表：kind -> 构造函数
var (
	filterRegistryMu sync.RWMutex
	filterRegistry   = map[string]FilterConstructor{
		FilterKindDisableAll:   newDisableAllFilter,
		FilterKindNameContains: newNameContainsFilter,
		FilterKindTagEquals:    newTagEqualsFilter,
	}
)

// 内置过滤器类型
const (
	FilterKindDisableAll   = "disable-all"
	FilterKindNameContains = "name-contains"
	FilterKindTagEquals    = "tag-equals"
)

// RegisterFilter 注册自定义过滤器类型
func RegisterFilter(kind string, constructor FilterConstructor) error {
	filterRegistryMu.Lock()
	defer filterRegistryMu.Unlock()

	if kind == "" || constructor == nil {
		return fmt.Errorf("过滤器注册参数无效: kind=%q", kind)
	}
	if _, exists := filterRegistry[kind]; exists {
		return fmt.Errorf("过滤器类型已存在: %s", kind)
	}
	filterRegistry[kind] = constructor
	return nil
}

// NewFilter 根据类型和参数构造过滤器
func NewFilter(kind, args string) (Filter, error) {
	filterRegistryMu.RLock()
	constructor, ok := filterRegistry[kind]
	filterRegistryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("未知过滤器类型: %s", kind)
	}
	return constructor(args)
}

// FilterSet 过滤器集合
//
// 任一过滤器投票排除即排除（逻辑或，与求值顺序无关）。
type FilterSet struct {
	filters []Filter
}

// NewFilterSet 创建过滤器集合
func NewFilterSet(filters ...Filter) *FilterSet {
	return &FilterSet{filters: filters}
}

// NewFilterSetFromSpecs 根据配置项列表构造过滤器集合
func NewFilterSetFromSpecs(specs []FilterSpec) (*FilterSet, error) {
	filters := make([]Filter, 0, len(specs))
	for _, spec := range specs {
		filter, err := NewFilter(spec.Kind, spec.Args)
		if err != nil {
			return nil, fmt.Errorf("构造过滤器失败: %w", err)
		}
		filters = append(filters, filter)
	}
	return NewFilterSet(filters...), nil
}

// Add 添加过滤器
func (fs *FilterSet) Add(filter Filter) {
	if filter != nil {
		fs.filters = append(fs.filters, filter)
	}
}

// Len 获取过滤器数量
func (fs *FilterSet) Len() int {
	if fs == nil {
		return 0
	}
	return len(fs.filters)
}

// ShouldExclude 判定操作是否应被排除
func (fs *FilterSet) ShouldExclude(name string, tags *session.TagSet) bool {
	if fs == nil {
		return false
	}
	for _, filter := range fs.filters {
		if filter.ShouldExclude(name, tags) {
			return true
		}
	}
	return false
}

// disableAllFilter 全局禁用过滤器
type disableAllFilter struct{}

func newDisableAllFilter(string) (Filter, error) {
	return disableAllFilter{}, nil
}

// Kind 获取过滤器类型
func (disableAllFilter) Kind() string { return FilterKindDisableAll }

// ShouldExclude 总是排除
func (disableAllFilter) ShouldExclude(string, *session.TagSet) bool { return true }

// nameContainsFilter 名称子串过滤器（不区分大小写）
type nameContainsFilter struct {
	substring string
}

func newNameContainsFilter(args string) (Filter, error) {
	if args == "" {
		return nil, fmt.Errorf("name-contains 过滤器需要非空子串参数")
	}
	return nameContainsFilter{substring: strings.ToLower(args)}, nil
}

// Kind 获取过滤器类型
func (nameContainsFilter) Kind() string { return FilterKindNameContains }

// ShouldExclude 名称包含子串时排除
func (f nameContainsFilter) ShouldExclude(name string, _ *session.TagSet) bool {
	return strings.Contains(strings.ToLower(name), f.substring)
}

// tagEqualsFilter 标签匹配过滤器（区分大小写）
type tagEqualsFilter struct {
	tag string
}

func newTagEqualsFilter(args string) (Filter, error) {
	if args == "" {
		return nil, fmt.Errorf("tag-equals 过滤器需要非空标签参数")
	}
	return tagEqualsFilter{tag: args}, nil
}

// Kind 获取过滤器类型
func (tagEqualsFilter) Kind() string { return FilterKindTagEquals }

// ShouldExclude 标签集合包含指定标签时排除
func (f tagEqualsFilter) ShouldExclude(_ string, tags *session.TagSet) bool {
	return tags.Contains(f.tag)
}

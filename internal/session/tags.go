package session

import (
	"encoding/json"
	"strings"
)

// TagSet 有序且去重的标签集合
//
// 标签区分大小写，保留插入顺序用于展示。附加到计时记录后不应再修改。
type TagSet struct {
	values []string
	index  map[string]struct{}
}

// NewTagSet 创建标签集合
func NewTagSet(tags ...string) *TagSet {
	ts := &TagSet{
		values: make([]string, 0, len(tags)),
		index:  make(map[string]struct{}, len(tags)),
	}
	for _, tag := range tags {
		ts.Add(tag)
	}
	return ts
}

// Add 添加标签，重复标签被忽略
func (ts *TagSet) Add(tag string) bool {
	if tag == "" {
		return false
	}
	if _, ok := ts.index[tag]; ok {
		return false
	}
	ts.index[tag] = struct{}{}
	ts.values = append(ts.values, tag)
	return true
}

// Contains 检查标签是否存在
func (ts *TagSet) Contains(tag string) bool {
	if ts == nil {
		return false
	}
	_, ok := ts.index[tag]
	return ok
}

// Len 获取标签数量
func (ts *TagSet) Len() int {
	if ts == nil {
		return 0
	}
	return len(ts.values)
}

// Values 获取标签列表副本（保留插入顺序）
func (ts *TagSet) Values() []string {
	if ts == nil {
		return nil
	}
	return append([]string{}, ts.values...)
}

// String 实现字符串接口
func (ts *TagSet) String() string {
	if ts == nil {
		return ""
	}
	return strings.Join(ts.values, ",")
}

// MarshalJSON 序列化为JSON数组
func (ts *TagSet) MarshalJSON() ([]byte, error) {
	if ts == nil {
		return []byte("null"), nil
	}
	return json.Marshal(ts.values)
}

// UnmarshalJSON 从JSON数组反序列化
func (ts *TagSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	ts.values = ts.values[:0]
	ts.index = make(map[string]struct{}, len(values))
	for _, v := range values {
		ts.Add(v)
	}
	return nil
}

package resource

import "strings"

// Header 是一条保留原始大小写的响应/请求头。
type Header struct {
	Name  string
	Value string
}

// Headers 按插入顺序保存头部；存储区分大小写，查找不区分。
type Headers []Header

// Get 不区分大小写地返回第一个匹配的值。
func (h Headers) Get(name string) string {
	for _, header := range h {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

// Has 报告是否存在同名头部。
func (h Headers) Has(name string) bool {
	for _, header := range h {
		if strings.EqualFold(header.Name, name) {
			return true
		}
	}
	return false
}

// Add 追加一条头部，不做去重。
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Set 替换第一个同名头部并删除其余同名项；不存在时追加。
func (h *Headers) Set(name, value string) {
	replaced := false
	out := (*h)[:0]
	for _, header := range *h {
		if strings.EqualFold(header.Name, name) {
			if replaced {
				continue
			}
			header.Value = value
			replaced = true
		}
		out = append(out, header)
	}
	if !replaced {
		out = append(out, Header{Name: name, Value: value})
	}
	*h = out
}

// Del 删除所有同名头部。
func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, header := range *h {
		if strings.EqualFold(header.Name, name) {
			continue
		}
		out = append(out, header)
	}
	*h = out
}

// Clone 返回独立副本。
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

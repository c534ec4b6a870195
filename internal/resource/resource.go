package resource

import "net/http"

// Retainer 决定某个媒体类型是否允许进入缓存，mimefilter.Filter 实现了它。
type Retainer interface {
	ShouldRetain(mimeType string) bool
}

// Resource 是在各缓存层之间流转的资源。
//
// 从任意层返回后 OriginBytes 不应为 nil；返回给调用方后按只读对待，
// 内存层会把同一实例交给多个调用方。
type Resource struct {
	OriginBytes     []byte
	ResponseCode    int
	ReasonPhrase    string
	ResponseHeaders Headers

	// CacheableBySource 由取回资源的层直接设置，绕过媒体类型策略。
	CacheableBySource bool
	// MimeHint 在响应缺少 Content-Type 时作为策略判断的回退值。
	MimeHint string
	// Modified 为 false 表示直接来自磁盘层。
	Modified bool
}

// ContentType 返回响应头 Content-Type 的媒体类型部分。
func (r *Resource) ContentType() string {
	if r == nil {
		return ""
	}
	return MediaType(r.ResponseHeaders.Get("Content-Type"))
}

// Cacheable 合并 cacheableBySource 与 cacheableByPolicy 两种判断。
func (r *Resource) Cacheable(filter Retainer) bool {
	if r == nil {
		return false
	}
	if r.CacheableBySource {
		return true
	}
	if filter == nil {
		return false
	}
	mimeType := r.ContentType()
	if mimeType == "" {
		mimeType = MediaType(r.MimeHint)
	}
	return filter.ShouldRetain(mimeType)
}

// Valid 排除 nil 正文，以及空正文搭配 304 的组合。
func (r *Resource) Valid() bool {
	if r == nil || r.OriginBytes == nil {
		return false
	}
	return !(len(r.OriginBytes) == 0 && r.ResponseCode == http.StatusNotModified)
}

// Size 用于内存层的字节预算。
func (r *Resource) Size() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.OriginBytes))
}

// Clone 深拷贝正文与头部。
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	out := *r
	if r.OriginBytes != nil {
		out.OriginBytes = append([]byte(nil), r.OriginBytes...)
	}
	out.ResponseHeaders = r.ResponseHeaders.Clone()
	return &out
}

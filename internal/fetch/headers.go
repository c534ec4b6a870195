package fetch

import (
	"net/http"
	"net/textproto"
	"sort"
	"strings"

	"github.com/tierfetch/tierfetch/internal/resource"
)

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

func isHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := hopByHopHeaders[canonical]; ok {
		return true
	}

	return false
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}

// applyRequestHeaders 将宿主请求头写入上游请求，自动忽略 hop-by-hop 字段。
func applyRequestHeaders(dst http.Header, src resource.Headers) {
	for _, h := range src {
		if h.Name == "" || isHopByHopHeader(h.Name) {
			continue
		}
		dst.Add(h.Name, h.Value)
	}
}

// collectResponseHeaders 按名称排序复制响应头，同名多值以 ", " 合并。
func collectResponseHeaders(src http.Header) resource.Headers {
	keys := make([]string, 0, len(src))
	for key := range src {
		if isHopByHopHeader(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(resource.Headers, 0, len(keys))
	for _, key := range keys {
		out = append(out, resource.Header{Name: key, Value: strings.Join(src[key], ", ")})
	}
	return out
}

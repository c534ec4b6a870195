package resource

import (
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"net/url"
	"path"
	"strings"
)

// HostCacheMode 透传给远端层的宿主缓存偏好，取值沿用宿主约定。
const (
	HostCacheDefault     = -1
	HostCacheElseNetwork = 1
	HostCacheNoCache     = 2
	HostCacheOnly        = 3
)

// Request 描述一次资源加载，进入管线后视为只读。
type Request struct {
	URL           string
	Method        string
	Mime          string
	Headers       Headers
	UserAgent     string
	ForceMode     bool
	HostCacheMode int
}

// NewRequest 以 GET 构造请求，并根据 URL 扩展名推断 Mime。
func NewRequest(rawURL string) *Request {
	return &Request{
		URL:           rawURL,
		Method:        "GET",
		Mime:          MimeFromURL(rawURL),
		HostCacheMode: HostCacheDefault,
	}
}

// Key 返回内存层与磁盘层共用的查找键，只依赖 URL。
func (r *Request) Key() string {
	if r == nil {
		return ""
	}
	return Key(r.URL)
}

// Key 对规范化后的 URL 做 SHA-256，输出小写十六进制。
func Key(rawURL string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(rawURL)))
	return hex.EncodeToString(sum[:])
}

// NormalizeURL 统一 scheme/host 大小写、去掉默认端口与 fragment；解析失败时原样返回。
func NormalizeURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return trimmed
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}

	normalized := url.URL{
		Scheme:   scheme,
		User:     parsed.User,
		Host:     host,
		Path:     parsed.Path,
		RawPath:  parsed.RawPath,
		RawQuery: parsed.RawQuery,
	}
	if normalized.Path == "" {
		normalized.Path = "/"
	}
	return normalized.String()
}

// MimeFromURL 根据路径扩展名推断媒体类型，未知扩展返回空串。
func MimeFromURL(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	ext := path.Ext(parsed.Path)
	if ext == "" {
		return ""
	}
	return MediaType(mime.TypeByExtension(strings.ToLower(ext)))
}

// MediaType 截取 Content-Type 中 ';' 之前的部分并转小写。
func MediaType(contentType string) string {
	value, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(value))
}

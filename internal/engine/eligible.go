package engine

import (
	"net/http"
	"net/url"
	"strings"
)

// Eligible 判断请求能否进入管线：仅 GET，且为带 host 的 http/https URL。
func Eligible(method, rawURL string) bool {
	if !strings.EqualFold(strings.TrimSpace(method), http.MethodGet) {
		return false
	}
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return false
	}
	return parsed.Host != ""
}

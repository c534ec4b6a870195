// Package response turns a cached or fetched resource into the response shape
// handed back to the embedding host.
package response

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/tierfetch/tierfetch/internal/resource"
)

// Response 是宿主最终消费的结果。
type Response struct {
	MimeType     string
	Encoding     string
	StatusCode   int
	ReasonPhrase string
	Headers      resource.Headers
	Body         io.Reader
}

// Generate 推断最终的 mime/charset/状态短语；无法被宿主使用时返回 nil。
func Generate(res *resource.Resource, requestedMime string) *Response {
	if res == nil {
		return nil
	}

	mimeType := requestedMime
	encoding := ""
	if contentType := res.ResponseHeaders.Get("Content-Type"); contentType != "" {
		parts := strings.Split(contentType, ";")
		if media := strings.TrimSpace(parts[0]); media != "" {
			mimeType = media
		}
		if len(parts) > 1 {
			if _, value, ok := strings.Cut(parts[1], "="); ok {
				encoding = strings.Trim(strings.TrimSpace(value), `"`)
			}
		}
	}
	if mimeType == "" {
		return nil
	}
	if res.OriginBytes == nil {
		return nil
	}
	if len(res.OriginBytes) == 0 && res.ResponseCode == http.StatusNotModified {
		return nil
	}

	phrase := res.ReasonPhrase
	if phrase == "" {
		phrase = http.StatusText(res.ResponseCode)
	}

	return &Response{
		MimeType:     mimeType,
		Encoding:     encoding,
		StatusCode:   res.ResponseCode,
		ReasonPhrase: phrase,
		Headers:      res.ResponseHeaders,
		Body:         bytes.NewReader(res.OriginBytes),
	}
}

// ContentType 以 mime 与 charset 重新拼出 Content-Type 头。
func (r *Response) ContentType() string {
	if r.Encoding == "" {
		return r.MimeType
	}
	return r.MimeType + "; charset=" + r.Encoding
}

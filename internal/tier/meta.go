package tier

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tierfetch/tierfetch/internal/resource"
)

var errMalformedMeta = errors.New("malformed cache metadata")

// encodeMeta 输出 <status>\n<phrase>\n<count>\n<Name: Value>\n...
func encodeMeta(res *resource.Resource) []byte {
	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(res.ResponseCode))
	buf.WriteByte('\n')
	buf.WriteString(singleLine(res.ReasonPhrase))
	buf.WriteByte('\n')
	buf.WriteString(strconv.Itoa(len(res.ResponseHeaders)))
	buf.WriteByte('\n')
	for _, h := range res.ResponseHeaders {
		buf.WriteString(singleLine(h.Name))
		buf.WriteString(": ")
		buf.WriteString(singleLine(h.Value))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func singleLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// decodeMeta 严格按行解析元数据，返回不含正文的资源。
//
// 计数行之后的第一行是占位行：为空时直接丢弃且不计数，否则视为第一个头并将计数减一。
// 头部区域中的空行跳过但仍计数；没有 ':' 的行使整个读取失败。
func decodeMeta(r io.Reader) (*resource.Resource, error) {
	br := bufio.NewReader(r)

	statusLine, err := readLineStrict(br)
	if err != nil {
		return nil, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(statusLine))
	if err != nil {
		return nil, fmt.Errorf("%w: status %q", errMalformedMeta, statusLine)
	}
	phrase, err := readLineStrict(br)
	if err != nil {
		return nil, err
	}
	countLine, err := readLineStrict(br)
	if err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(strings.TrimSpace(countLine))
	if err != nil || count < 0 {
		return nil, fmt.Errorf("%w: header count %q", errMalformedMeta, countLine)
	}

	headers := make(resource.Headers, 0, count)
	placeholder, err := readLineStrict(br)
	switch {
	case err == nil:
		if strings.TrimSpace(placeholder) != "" {
			h, perr := parseHeaderLine(placeholder)
			if perr != nil {
				return nil, perr
			}
			headers = append(headers, h)
			count--
		}
	case errors.Is(err, io.EOF) && count == 0:
		// 没有头部的记录在计数行后直接结束。
	default:
		return nil, err
	}

	for i := 0; i < count; i++ {
		line, err := readLineStrict(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			continue
		}
		h, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}

	return &resource.Resource{
		ResponseCode:    code,
		ReasonPhrase:    phrase,
		ResponseHeaders: headers,
	}, nil
}

// readLineStrict 要求行以 '\n' 结尾，并去掉结尾的 "\r\n" 或 "\n"。
func readLineStrict(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			return "", io.EOF
		}
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: unterminated line", errMalformedMeta)
		}
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

func parseHeaderLine(line string) (resource.Header, error) {
	name, value, ok := strings.Cut(line, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return resource.Header{}, fmt.Errorf("%w: header %q", errMalformedMeta, line)
	}
	return resource.Header{Name: name, Value: strings.TrimSpace(value)}, nil
}

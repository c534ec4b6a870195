package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tierfetch/tierfetch/internal/mimefilter"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.CacheMode {
	case CacheModeForce, CacheModeDefault:
	default:
		return newFieldError("Global.CacheMode", "仅支持 force/default")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if strings.TrimSpace(c.Disk.Path) == "" {
		return newFieldError("Disk.Path", "不能为空")
	}
	if c.Disk.Version < 0 {
		return newFieldError("Disk.Version", "不能为负数")
	}
	if c.Disk.MaxSize <= 0 {
		return newFieldError("Disk.MaxSize", "必须大于 0")
	}
	if c.Memory.MaxSize <= 0 {
		return newFieldError("Memory.MaxSize", "必须大于 0")
	}

	if _, err := mimefilter.ParsePolicy(c.Mime.Policy); err != nil {
		return newFieldError("Mime.Policy", "仅支持 retain/reject")
	}
	for i, t := range c.Mime.Types {
		if strings.TrimSpace(t) == "" || !strings.Contains(t, "/") {
			return newFieldError(fmt.Sprintf("Mime.Types[%d]", i), fmt.Sprintf("非法媒体类型: %q", t))
		}
	}

	if c.Shared.Enabled {
		if strings.TrimSpace(c.Shared.Address) == "" {
			return newFieldError("Shared.Address", "启用共享层时不能为空")
		}
		if c.Shared.TTL.DurationValue() <= 0 {
			return newFieldError("Shared.TTL", "必须大于 0")
		}
		if c.Shared.DB < 0 {
			return newFieldError("Shared.DB", "不能为负数")
		}
	}

	return nil
}

// MimePolicy 返回解析后的过滤策略（假定 Validate 已经通过）。
func (c *Config) MimePolicy() mimefilter.Policy {
	policy, err := mimefilter.ParsePolicy(c.Mime.Policy)
	if err != nil {
		return mimefilter.PolicyRetain
	}
	return policy
}

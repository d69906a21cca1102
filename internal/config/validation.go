package config

import (
	"errors"
	"strings"

	"github.com/shopialo/vendor-cache/internal/cache"
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
	switch g.StorageDriver {
	case StorageDriverDisk:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case StorageDriverMemory:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 disk/memory")
	}
	if g.UpstreamScheme != "http" && g.UpstreamScheme != "https" {
		return newFieldError("Global.UpstreamScheme", "仅支持 http/https")
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxSize/LogMaxBackups", "不能为负数")
	}

	w := c.Worker
	if err := cache.ValidateNamespace(w.CacheVersion); err != nil {
		return newFieldError("Worker.CacheVersion", err.Error())
	}
	if w.FreshnessWindow.DurationValue() <= 0 {
		return newFieldError("Worker.FreshnessWindow", "必须大于 0")
	}
	if w.ClassifierMemo < 0 {
		return newFieldError("Worker.ClassifierMemo", "不能为负数")
	}
	if len(w.AllowList) == 0 {
		return newFieldError("Worker.AllowList", "至少需要一个域名")
	}
	for i, entry := range w.AllowList {
		if err := validateAllowEntry(entry); err != nil {
			return newFieldError(allowListField(i), err.Error())
		}
	}

	return nil
}

// validateAllowEntry 只接受主机名片段：空串会匹配任意主机，路径/协议永远不会出现在 hostname 中。
func validateAllowEntry(entry string) error {
	if strings.TrimSpace(entry) == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(entry, "/ ") {
		return errors.New("不允许包含协议、路径或空格")
	}
	return nil
}

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"168h" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

const (
	StorageDriverDisk   = "disk"
	StorageDriverMemory = "memory"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存存储与上游连接。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamScheme  string   `mapstructure:"UpstreamScheme"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// WorkerConfig 是拦截策略本身的参数：版本号即命名空间名称，修改它是让全部旧缓存失效的唯一方式。
type WorkerConfig struct {
	CacheVersion    string   `mapstructure:"CacheVersion"`
	FreshnessWindow Duration `mapstructure:"FreshnessWindow"`
	AllowList       []string `mapstructure:"AllowList"`
	ClassifierMemo  int      `mapstructure:"ClassifierMemo"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// UsesMemoryStore 表示缓存是否只保存在进程内。
func (g GlobalConfig) UsesMemoryStore() bool {
	return strings.EqualFold(g.StorageDriver, StorageDriverMemory)
}

// AllowListSummary 返回以逗号拼接的 allow-list，供日志字段使用。
func (w WorkerConfig) AllowListSummary() string {
	return strings.Join(w.AllowList, ",")
}

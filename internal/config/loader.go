package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/shopialo/vendor-cache/internal/cache"
	"github.com/shopialo/vendor-cache/internal/scope"
)

// DefaultCacheVersion 是内置的缓存版本号，同时也是命名空间名称。
const DefaultCacheVersion = "shopialo-v1"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// path 为空时完全使用内置默认值。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !cfg.Global.UsesMemoryStore() {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

// Default 返回仅由内置默认值构成的配置。
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5080)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageDriver", StorageDriverDisk)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamScheme", "https")
	v.SetDefault("UpstreamTimeout", "0s")
	v.SetDefault("Worker.CacheVersion", DefaultCacheVersion)
	v.SetDefault("Worker.FreshnessWindow", cache.DefaultFreshnessWindow.String())
	v.SetDefault("Worker.AllowList", scope.DefaultAllowList)
	v.SetDefault("Worker.ClassifierMemo", 1024)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5080
	}
	if strings.TrimSpace(g.LogLevel) == "" {
		g.LogLevel = "info"
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverDisk
	}
	g.UpstreamScheme = strings.ToLower(strings.TrimSpace(g.UpstreamScheme))
	if g.UpstreamScheme == "" {
		g.UpstreamScheme = "https"
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.CacheVersion = strings.TrimSpace(w.CacheVersion)
	if w.CacheVersion == "" {
		w.CacheVersion = DefaultCacheVersion
	}
	if w.FreshnessWindow.DurationValue() == 0 {
		w.FreshnessWindow = Duration(cache.DefaultFreshnessWindow)
	}
	if len(w.AllowList) == 0 {
		w.AllowList = append([]string(nil), scope.DefaultAllowList...)
	}
	for i := range w.AllowList {
		w.AllowList[i] = strings.ToLower(strings.TrimSpace(w.AllowList[i]))
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

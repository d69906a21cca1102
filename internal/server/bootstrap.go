package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/shopialo/vendor-cache/internal/cache"
	"github.com/shopialo/vendor-cache/internal/config"
	"github.com/shopialo/vendor-cache/internal/intercept"
	"github.com/shopialo/vendor-cache/internal/lifecycle"
	"github.com/shopialo/vendor-cache/internal/scope"
	"github.com/shopialo/vendor-cache/internal/worker"
)

// Runtime 聚合启动阶段构建出的共享组件。
type Runtime struct {
	Storage cache.Storage
	Client  *http.Client
	Worker  *worker.Worker
}

// NewStorage 根据 StorageDriver 创建磁盘或内存存储。
func NewStorage(cfg *config.Config) (cache.Storage, error) {
	if cfg.Global.UsesMemoryStore() {
		return cache.NewMemoryStore(), nil
	}
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	return store, nil
}

// Bootstrap 组装 worker 及其依赖，但不触发 install/activate。
func Bootstrap(cfg *config.Config, logger *logrus.Logger) (*Runtime, error) {
	storage, err := NewStorage(cfg)
	if err != nil {
		return nil, err
	}

	manager, err := lifecycle.NewManager(storage, cfg.Worker.CacheVersion, logger)
	if err != nil {
		return nil, err
	}
	classifier, err := scope.NewClassifier(cfg.Worker.AllowList, cfg.Worker.ClassifierMemo)
	if err != nil {
		return nil, err
	}

	client := NewUpstreamClient(cfg)
	interceptor, err := intercept.New(intercept.Options{
		Opener:    manager,
		Fetcher:   client,
		Freshness: cache.NewFreshness(cfg.Worker.FreshnessWindow.DurationValue()),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	w, err := worker.New(worker.Options{
		Classifier:  classifier,
		Lifecycle:   manager,
		Interceptor: interceptor,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	return &Runtime{Storage: storage, Client: client, Worker: w}, nil
}

// Start 依次触发 install 与 activate。清理旧命名空间失败时返回错误，但 worker 已接管请求。
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Worker.Install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	return r.Worker.Activate(ctx)
}

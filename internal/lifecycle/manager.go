// Package lifecycle 管理缓存版本的安装/激活流程：激活时清理所有非当前版本的命名空间，
// 随后接管全部请求。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/shopialo/vendor-cache/internal/cache"
)

// State 描述 worker 版本所处的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

// ErrNotInstalled 表示在 Install 之前触发了 Activate。
var ErrNotInstalled = errors.New("worker version not installed")

// Manager 持有当前版本号，并且是唯一可以删除命名空间的组件。
type Manager struct {
	storage cache.Storage
	version string
	logger  *logrus.Logger

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	controlling bool
}

// NewManager 构建生命周期管理器，version 同时作为当前命名空间名称。
func NewManager(storage cache.Storage, version string, logger *logrus.Logger) (*Manager, error) {
	if storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if err := cache.ValidateNamespace(version); err != nil {
		return nil, fmt.Errorf("cache version: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		storage: storage,
		version: version,
		logger:  logger,
		state:   StateParsed,
	}, nil
}

// Version 返回当前命名空间名称。
func (m *Manager) Version() string {
	return m.version
}

// State 返回当前生命周期阶段。
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Install 标记版本已安装并请求立即激活，不等待旧版本控制的上下文释放。
func (m *Manager) Install(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.state == StateParsed {
		m.state = StateInstalled
	}
	m.skipWaiting = true
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"action":  "install",
		"version": m.version,
	}).Info("worker_installed")
	return nil
}

// SkipWaiting 报告 Install 是否已请求立即激活。
func (m *Manager) SkipWaiting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.skipWaiting
}

// Activate 并发删除所有非当前版本的命名空间，全部结束后接管控制。
// 单个命名空间删除失败不会阻塞其它删除，也不会重试；所有失败合并后返回，
// 但控制权仍会被接管。
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateParsed {
		m.mu.Unlock()
		return ErrNotInstalled
	}
	m.state = StateActivating
	m.mu.Unlock()

	sweepErr := m.sweep(ctx)

	m.mu.Lock()
	m.state = StateActivated
	m.controlling = true
	m.mu.Unlock()

	fields := logrus.Fields{
		"action":  "activate",
		"version": m.version,
	}
	if sweepErr != nil {
		m.logger.WithFields(fields).WithError(sweepErr).Warn("namespace_cleanup_incomplete")
		return sweepErr
	}
	m.logger.WithFields(fields).Info("worker_activated")
	return nil
}

func (m *Manager) sweep(ctx context.Context) error {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list cache namespaces: %w", err)
	}

	p := pool.New().WithErrors()
	for _, name := range names {
		if name == m.version {
			continue
		}
		p.Go(func() error {
			existed, err := m.storage.Delete(ctx, name)
			if err != nil {
				return fmt.Errorf("delete cache namespace %s: %w", name, err)
			}
			m.logger.WithFields(logrus.Fields{
				"action":    "activate",
				"namespace": name,
				"existed":   existed,
			}).Info("namespace_deleted")
			return nil
		})
	}
	return p.Wait()
}

// Controlling 报告当前版本是否已接管请求。
func (m *Manager) Controlling() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlling
}

// Open 打开（或隐式创建）当前版本的命名空间。
func (m *Manager) Open(ctx context.Context) (cache.Namespace, error) {
	return m.storage.Open(ctx, m.version)
}

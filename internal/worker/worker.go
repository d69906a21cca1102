// Package worker 组合作用域判定、生命周期与拦截器，对外暴露 install/activate/fetch 三个事件入口。
package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/shopialo/vendor-cache/internal/intercept"
	"github.com/shopialo/vendor-cache/internal/lifecycle"
	"github.com/shopialo/vendor-cache/internal/logging"
	"github.com/shopialo/vendor-cache/internal/scope"
)

// Options 描述 Worker 依赖的组件。
type Options struct {
	Classifier  *scope.Classifier
	Lifecycle   *lifecycle.Manager
	Interceptor *intercept.Interceptor
	Logger      *logrus.Logger
}

// Worker 是进程内唯一的缓存 worker 实例。
type Worker struct {
	classifier  *scope.Classifier
	lifecycle   *lifecycle.Manager
	interceptor *intercept.Interceptor
	logger      *logrus.Logger
}

// New 校验依赖并构建 Worker。
func New(opts Options) (*Worker, error) {
	if opts.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if opts.Lifecycle == nil {
		return nil, errors.New("lifecycle manager is required")
	}
	if opts.Interceptor == nil {
		return nil, errors.New("interceptor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		classifier:  opts.Classifier,
		lifecycle:   opts.Lifecycle,
		interceptor: opts.Interceptor,
		logger:      logger,
	}, nil
}

// Version 返回当前缓存版本。
func (w *Worker) Version() string {
	return w.lifecycle.Version()
}

// Install 处理 install 事件：不预缓存任何资源，立即请求跳过等待。
func (w *Worker) Install(ctx context.Context) error {
	return w.lifecycle.Install(ctx)
}

// Activate 处理 activate 事件：清理旧版本命名空间并接管请求。
func (w *Worker) Activate(ctx context.Context) error {
	return w.lifecycle.Activate(ctx)
}

// Fetch 处理 fetch 事件。返回 OutcomeBypassed 表示 worker 不介入，调用方应按默认行为直连上游；
// 此时绝不会触碰缓存存储。
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, intercept.Outcome, error) {
	if req == nil || req.URL == nil {
		return nil, intercept.OutcomeBypassed, errors.New("request is required")
	}
	if !w.lifecycle.Controlling() {
		return nil, intercept.OutcomeBypassed, nil
	}

	inScope, err := w.classifier.InScopeURL(req.URL)
	if err != nil {
		w.logger.WithFields(logging.RequestFields(req.URL.Host, req.Method, string(intercept.OutcomeBypassed))).
			WithError(err).
			Debug("malformed_url_bypassed")
		return nil, intercept.OutcomeBypassed, nil
	}
	if !inScope {
		return nil, intercept.OutcomeBypassed, nil
	}

	resp, outcome, err := w.interceptor.Handle(ctx, req)
	if err != nil {
		return nil, intercept.OutcomeBypassed, err
	}
	w.logger.WithFields(logging.RequestFields(req.URL.Hostname(), req.Method, string(outcome))).
		WithFields(logrus.Fields{"url": req.URL.String(), "status": resp.StatusCode}).
		Debug("intercepted")
	return resp, outcome, nil
}

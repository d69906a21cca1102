package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrTargetUnresolved 表示无法从请求行或 Host 头推导出上游地址。
var ErrTargetUnresolved = errors.New("target unresolved")

// Target 描述一次代理请求的上游地址，在路由中间件中解析一次并复用。
type Target struct {
	// URL 是完整的绝对地址（scheme://host[:port]/path?query）。
	URL *url.URL
	// Host 为小写、去掉尾部点号的主机名，不含端口。
	Host string
	// Port 为显式端口，未指定时为 0。
	Port int
	// Absolute 记录请求行是否为绝对形式（标准正向代理请求）。
	Absolute bool
}

// TargetResolver 将请求行与 Host 头解析为 Target。
type TargetResolver struct {
	scheme     string
	listenPort int
}

// NewTargetResolver 构建解析器。scheme 用于 origin-form 请求，listenPort 用于识别指向自身的请求。
func NewTargetResolver(scheme string, listenPort int) (*TargetResolver, error) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream scheme: %q", scheme)
	}
	if listenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", listenPort)
	}
	return &TargetResolver{scheme: scheme, listenPort: listenPort}, nil
}

// Resolve 优先使用绝对形式的请求行，否则使用 Host 头 + 配置的 scheme。
func (r *TargetResolver) Resolve(requestURI, hostHeader string) (*Target, error) {
	requestURI = strings.TrimSpace(requestURI)
	if isAbsoluteURI(requestURI) {
		u, err := url.Parse(requestURI)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTargetUnresolved, err)
		}
		return r.finish(u, true)
	}

	host, port := normalizeHost(hostHeader)
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrTargetUnresolved)
	}
	if requestURI == "" {
		requestURI = "/"
	}
	if !strings.HasPrefix(requestURI, "/") {
		return nil, fmt.Errorf("%w: unsupported request target %q", ErrTargetUnresolved, requestURI)
	}

	authority := host
	if port > 0 {
		authority = net.JoinHostPort(host, strconv.Itoa(port))
	} else if strings.Contains(host, ":") {
		authority = "[" + host + "]"
	}
	u, err := url.Parse(r.scheme + "://" + authority + requestURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTargetUnresolved, err)
	}
	return r.finish(u, false)
}

func (r *TargetResolver) finish(u *url.URL, absolute bool) (*Target, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrTargetUnresolved)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrTargetUnresolved, u.Scheme)
	}
	u.Fragment = ""
	u.RawFragment = ""

	host, port := normalizeHost(u.Host)
	if r.isSelf(host, port, u.Scheme) {
		return nil, fmt.Errorf("%w: request targets the proxy itself", ErrTargetUnresolved)
	}
	return &Target{URL: u, Host: host, Port: port, Absolute: absolute}, nil
}

// isSelf 识别指向本机监听端口的请求，避免透传时形成回环。
func (r *TargetResolver) isSelf(host string, port int, scheme string) bool {
	if port == 0 {
		if scheme == "https" {
			port = 443
		} else {
			port = 80
		}
	}
	if port != r.listenPort {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

func isAbsoluteURI(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[:idx], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}

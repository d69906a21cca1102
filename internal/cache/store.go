package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage 管理全部缓存命名空间。磁盘布局遵循：
//
//	<StoragePath>/<Namespace>/<digest[:2]>/<digest>    # 元数据行 + 正文
//
// 命名空间在首次写入时隐式创建，只会通过 Delete 整体销毁。
type Storage interface {
	// Open 返回指定名称的命名空间句柄，不存在时不会报错。
	Open(ctx context.Context, name string) (Namespace, error)

	// Keys 按名称排序列出当前存在的命名空间。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个命名空间，返回其删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)
}

// Namespace 是单个版本的请求 → 响应快照映射。
type Namespace interface {
	Name() string

	// Match 返回请求标识对应的快照，未命中时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Snapshot, error)

	// Put 覆盖写入快照。实现需保证写入原子性，CapturedAt 为零值时使用当前时间。
	Put(ctx context.Context, key Key, snap *Snapshot) error
}

// HeaderCapturedAt 记录快照写入缓存的时刻，随快照一起持久化。
const HeaderCapturedAt = "X-Vendor-Cache-Captured-At"

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidNamespace 表示命名空间名称无法映射为安全的存储位置。
	ErrInvalidNamespace = errors.New("invalid cache namespace")
)

// Key 唯一定位命名空间内的一个条目（请求方法 + 完整 URL）。
type Key struct {
	Method string
	URL    string
}

// KeyFor 根据请求生成缓存键，URL 会去掉 fragment。
func KeyFor(req *http.Request) Key {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: canonicalURL(req.URL)}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// digest 返回用作文件名的 sha256 摘要。
func (k Key) digest() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

func canonicalURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clone := *u
	clone.Fragment = ""
	clone.RawFragment = ""
	return clone.String()
}

// Snapshot 是一次网络响应的完整副本，可以被多次重放。
type Snapshot struct {
	Status     int
	Header     http.Header
	Body       []byte
	CapturedAt time.Time
}

// sharedUnsafeHeaders 属于单个客户端，不能随快照重放给其他客户端。
var sharedUnsafeHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// SnapshotFromResponse 读取并关闭 resp.Body，生成可持久化的快照；Set-Cookie 等单用户头不会进入快照。
func SnapshotFromResponse(resp *http.Response, capturedAt time.Time) (*Snapshot, error) {
	if resp == nil {
		return nil, errors.New("nil response")
	}
	var body []byte
	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = data
	}
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	for _, name := range sharedUnsafeHeaders {
		header.Del(name)
	}
	return &Snapshot{
		Status:     resp.StatusCode,
		Header:     header,
		Body:       body,
		CapturedAt: capturedAt,
	}, nil
}

// Response 为每次调用构建一个独立可消费的 http.Response。
func (s *Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// clone 深拷贝快照，避免调用方修改共享的缓存内容。
func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return nil
	}
	return &Snapshot{
		Status:     s.Status,
		Header:     s.Header.Clone(),
		Body:       append([]byte(nil), s.Body...),
		CapturedAt: s.CapturedAt,
	}
}

// stamp 补全写入时间并同步到头部。
func (s *Snapshot) stamp() {
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now().UTC()
	}
	if s.Header == nil {
		s.Header = http.Header{}
	}
	s.Header.Set(HeaderCapturedAt, s.CapturedAt.UTC().Format(time.RFC3339Nano))
}

// ValidateNamespace 拒绝空名称、路径分隔符以及以 "." 开头的名称（保留给临时目录）。
func ValidateNamespace(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty name", ErrInvalidNamespace)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidNamespace, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidNamespace, name)
	}
	return nil
}

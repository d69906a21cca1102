package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是条目文件的第一行，正文紧随其后。
type entryMeta struct {
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Status     int         `json:"status"`
	Header     http.Header `json:"header"`
	CapturedAt time.Time   `json:"captured_at"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateNamespace(name); err != nil {
		return nil, err
	}
	return &fileNamespace{store: s, name: name}, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Delete 先把目录改名到隐藏位置再删除，正在进行的读取只会看到未命中。
func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateNamespace(name); err != nil {
		return false, err
	}
	dir := filepath.Join(s.basePath, name)
	trash := filepath.Join(s.basePath, ".deleted-"+name+"-"+uuid.NewString())
	if err := os.Rename(dir, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type fileNamespace struct {
	store *fileStore
	name  string
}

func (n *fileNamespace) Name() string {
	return n.name
}

func (n *fileNamespace) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath := n.entryPath(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read entry header %s: %w", filePath, err)
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return nil, fmt.Errorf("decode entry header %s: %w", filePath, err)
	}
	if meta.Method != key.Method || meta.URL != key.URL {
		return nil, ErrNotFound
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read entry body %s: %w", filePath, err)
	}

	return &Snapshot{
		Status:     meta.Status,
		Header:     meta.Header,
		Body:       body,
		CapturedAt: meta.CapturedAt,
	}, nil
}

func (n *fileNamespace) Put(ctx context.Context, key Key, snap *Snapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	filePath := n.entryPath(key)
	unlock := n.store.lockEntry(filePath)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	stored := snap.clone()
	stored.stamp()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	err = writeEntry(tempFile, key, stored)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}

	return os.Chtimes(filePath, stored.CapturedAt, stored.CapturedAt)
}

func (n *fileNamespace) entryPath(key Key) string {
	digest := key.digest()
	return filepath.Join(n.store.basePath, n.name, digest[:2], digest)
}

func writeEntry(w io.Writer, key Key, snap *Snapshot) error {
	meta, err := json.Marshal(entryMeta{
		Method:     key.Method,
		URL:        key.URL,
		Status:     snap.Status,
		Header:     snap.Header,
		CapturedAt: snap.CapturedAt,
	})
	if err != nil {
		return err
	}
	buf := bufio.NewWriter(w)
	if _, err := buf.Write(meta); err != nil {
		return err
	}
	if err := buf.WriteByte('\n'); err != nil {
		return err
	}
	if _, err := buf.Write(snap.Body); err != nil {
		return err
	}
	return buf.Flush()
}

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveConfigPathPriority(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(configEnv, "")

	if got := resolveConfigPath(""); got != "" {
		t.Fatalf("无配置文件时应使用内置默认值，得到 %s", got)
	}

	if err := os.WriteFile(defaultConfigFile, []byte("ListenPort = 5080\n"), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	if got := resolveConfigPath(""); got != defaultConfigFile {
		t.Fatalf("应使用当前目录的 config.toml，得到 %s", got)
	}

	t.Setenv(configEnv, "/tmp/env.toml")
	if got := resolveConfigPath(""); got != "/tmp/env.toml" {
		t.Fatalf("环境变量应高于默认文件，得到 %s", got)
	}
	if got := resolveConfigPath("/tmp/flag.toml"); got != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", got)
	}
}

func TestCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := execute([]string{"check-config", "--config", configFixture(t, "valid.toml")})
	if code != exitSuccess {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	for _, name := range []string{"missing.toml", "invalid.toml"} {
		code := execute([]string{"check-config", "--config", configFixture(t, name)})
		if code != exitRuntime {
			t.Fatalf("%s 应返回运行期错误码，得到 %d", name, code)
		}
	}
	if !strings.Contains(stdErrBuffer().String(), "加载配置失败") {
		t.Fatalf("stderr 应包含错误信息，得到 %s", stdErrBuffer().String())
	}
}

func TestVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := execute([]string{"version"})
	if code != exitSuccess {
		t.Fatalf("version 应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "vendor-cache") {
		t.Fatalf("version 输出应包含 vendor-cache 标识")
	}
}

func TestUnknownCommandIsUsageError(t *testing.T) {
	useBufferWriters(t)
	if code := execute([]string{"purge-everything"}); code != exitUsageError {
		t.Fatalf("未知命令应返回 %d，得到 %d", exitUsageError, code)
	}
}

func TestActivateDeletesStaleNamespaces(t *testing.T) {
	dir := t.TempDir()
	storage := filepath.Join(dir, "storage")
	stale := filepath.Join(storage, "shopialo-v0")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("创建旧命名空间失败: %v", err)
	}
	configPath := writeConfigFile(t, `
LogFilePath = "-"
StoragePath = "`+storage+`"

[Worker]
CacheVersion = "shopialo-v1"
`)

	useBufferWriters(t)
	if code := execute([]string{"activate", "--config", configPath}); code != exitSuccess {
		t.Fatalf("activate 应成功，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("旧命名空间应被删除，stat err=%v", err)
	}
}

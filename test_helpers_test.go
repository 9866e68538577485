package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// configFixture 指向 internal/config 下共享的样例配置。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("internal", "config", "testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("样例配置不存在: %v", err)
	}
	return path
}

// captureOutput 将 CLI 的 stdout/stderr 替换为内存缓冲，测试结束后还原。
func captureOutput(t *testing.T) (out, errOut *bytes.Buffer) {
	t.Helper()
	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = out, errOut
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return out, errOut
}

// writeCheckConfig 生成只含单个 npm Hub 的配置，日志与缓存目录由调用方指定。
func writeCheckConfig(t *testing.T, logPath, storagePath string) string {
	t.Helper()
	content := fmt.Sprintf(`LogLevel = "info"
LogFilePath = %q
StoragePath = %q
ListenPort = 5000

[[Hub]]
Name = "npm"
Domain = "npm.local"
Upstream = "https://registry.npmjs.org"
Profile = "static"
`, filepath.ToSlash(logPath), filepath.ToSlash(storagePath))

	file := filepath.Join(t.TempDir(), "hubcache.toml")
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/hubcache/internal/config"
	"github.com/any-hub/hubcache/internal/httpcache"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "hubcache.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hubcache.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestInitLoggerUsesDefaultFileNameForDirectory(t *testing.T) {
	dir := t.TempDir()
	logger, err := InitLogger(config.GlobalConfig{LogFilePath: dir})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("空日志级别应默认 info，得到 %s", logger.GetLevel())
	}
	logger.Info("cache_ready")

	data, err := os.ReadFile(filepath.Join(dir, DefaultFileName))
	if err != nil {
		t.Fatalf("目录路径应写入 %s: %v", DefaultFileName, err)
	}
	if !strings.Contains(string(data), `"service":"hubcache"`) {
		t.Fatalf("日志应包含 service 字段: %s", data)
	}
}

func TestResolveLogPath(t *testing.T) {
	if got := resolveLogPath(""); got != "" {
		t.Fatalf("空路径应保持为空，得到 %q", got)
	}
	if got := resolveLogPath("/var/log/hubcache/"); got != filepath.Join("/var/log/hubcache", DefaultFileName) {
		t.Fatalf("以分隔符结尾应补文件名，得到 %q", got)
	}
	if got := resolveLogPath("/var/log/proxy.log"); got != "/var/log/proxy.log" {
		t.Fatalf("文件路径不应改变，得到 %q", got)
	}
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := InitLogger(config.GlobalConfig{LogLevel: "chatty"}); err == nil {
		t.Fatalf("未知日志级别应报错")
	}
}

func TestRequestFieldsIncludeNoCacheReason(t *testing.T) {
	fields := RequestFields("npm", "npm.local", "anonymous", "static", "miss", false)
	if fields["cache_status"] != "miss" || fields["profile"] != "static" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	NoCacheFields(fields, httpcache.NoCacheReason{})
	if _, ok := fields["no_cache"]; ok {
		t.Fatalf("零值原因不应写入字段")
	}
	NoCacheFields(fields, httpcache.Custom("exceeds max size"))
	if fields["no_cache"] != "custom" || fields["no_cache_detail"] != "exceeds max size" {
		t.Fatalf("unexpected no-cache fields: %v", fields)
	}
}

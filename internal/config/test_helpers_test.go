package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fixturePath 返回 testdata 下的样例配置路径。
func fixturePath(name string) string {
	return filepath.Join("testdata", name)
}

// writeHubConfig 拼接全局段与若干 [[Hub]] 段后写入临时文件。
// 全局段缺少 StoragePath 时补上测试临时目录，避免缓存落到仓库内。
func writeHubConfig(t *testing.T, global string, hubs ...string) string {
	t.Helper()
	dir := t.TempDir()

	var b strings.Builder
	global = strings.TrimSpace(global)
	if !strings.Contains(global, "StoragePath") {
		b.WriteString("StoragePath = \"" + filepath.ToSlash(filepath.Join(dir, "storage")) + "\"\n")
	}
	if global != "" {
		b.WriteString(global)
		b.WriteString("\n")
	}
	for _, hub := range hubs {
		b.WriteString("\n[[Hub]]\n")
		b.WriteString(strings.TrimSpace(hub))
		b.WriteString("\n")
	}

	path := filepath.Join(dir, "hubcache.toml")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

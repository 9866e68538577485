package policy

import "time"

// 内置档案：default 完全遵循上游指令，static 面向不可变制品，dynamic 面向频繁变化的元数据。
func init() {
	MustRegister(Profile{
		Key:         defaultProfileKey,
		Description: "Honour upstream cache headers, fall back to the global TTL",
	})
	MustRegister(Profile{
		Key:                  "static",
		Description:          "Long-lived immutable artifacts (tarballs, blobs, wheels)",
		DefaultTTL:           7 * 24 * time.Hour,
		StaleWhileRevalidate: time.Hour,
		StaleIfError:         24 * time.Hour,
	})
	MustRegister(Profile{
		Key:                    "dynamic",
		Description:            "Frequently changing indexes and manifests",
		DefaultTTL:             time.Minute,
		StaleWhileRevalidate:   30 * time.Second,
		StaleIfError:           10 * time.Minute,
		RecomputeVarianceOn304: true,
	})
}

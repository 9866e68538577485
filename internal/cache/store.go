package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Store 负责管理缓存对象（元数据 + 正文）的读写。所有实现都必须保证：
//
//   - 写入在 Finish 之前对读者不可见，Finish 后一次性可见；
//   - Abort 后不留下任何部分写入的对象；
//   - UpdateMeta 原子地替换元数据，正文保持不变。
type Store interface {
	// Lookup 返回缓存命中的元数据与可流式读取的正文。若不存在则返回 ErrNotFound。
	Lookup(ctx context.Context, key Key) (*Hit, error)

	// CreateWriter 为 key 打开一个新的对象写入器，meta 会随正文一起发布。
	CreateWriter(ctx context.Context, key Key, meta *Meta) (ObjectWriter, error)

	// UpdateMeta 在不改动正文的前提下替换已有条目的元数据，条目不存在时返回 ErrNotFound。
	UpdateMeta(ctx context.Context, key Key, meta *Meta) error

	// Remove 删除条目，条目不存在视为成功。
	Remove(ctx context.Context, key Key) error

	// Close 释放后端持有的资源。
	Close() error
}

// ObjectWriter 以流式方式写入正文，Finish 发布对象，Abort 丢弃已写数据。
type ObjectWriter interface {
	Write(p []byte) (int, error)
	Finish() error
	Abort()
}

// BodyHandle 是缓存正文的只读游标。ReadChunk 在读尽时返回 io.EOF。
type BodyHandle interface {
	ReadChunk() ([]byte, error)
	// CanSeek 表示后端是否支持直接定位到字节区间；开始读取后返回 false。
	CanSeek() bool
	// Seek 将游标限定在 [start, end) 区间内，后续 ReadChunk 只返回该区间数据。
	Seek(start, end int64) error
	Close() error
}

// Hit 表示一次存储命中。
type Hit struct {
	Meta *Meta
	Size int64
	Body BodyHandle
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrSeekUnsupported 表示正文已开始读取，不能再 Seek。
	ErrSeekUnsupported = errors.New("cache body does not support seek")
	// ErrWriterClosed 表示写入器已经 Finish 或 Abort。
	ErrWriterClosed = errors.New("cache writer closed")
	// ErrInvalidRange 表示 Seek 区间越界。
	ErrInvalidRange = errors.New("cache seek range out of bounds")
)

// Key 唯一定位一个缓存对象。Primary 为请求指纹，Variance 为 Vary 请求头指纹（可为空）。
type Key struct {
	Namespace string
	Primary   string
	Variance  string
}

// String 返回条目槽位名，形如 namespace/primary 或 namespace/primary.variance。
func (k Key) String() string {
	slot := k.Namespace + "/" + k.Primary
	if k.Variance != "" {
		slot += "." + k.Variance
	}
	return slot
}

// WithVariance 返回带有指定 variance 的副本。
func (k Key) WithVariance(variance string) Key {
	k.Variance = variance
	return k
}

// PrimaryOnly 返回去掉 variance 的主键。
func (k Key) PrimaryOnly() Key {
	k.Variance = ""
	return k
}

// MetaVersion 是当前元数据编码版本。
const MetaVersion = 1

// Meta 描述缓存对象的元数据：新鲜度窗口、校验器与响应头。
type Meta struct {
	Version              int           `json:"version"`
	Created              time.Time     `json:"created"`
	Updated              time.Time     `json:"updated"`
	FreshUntil           time.Time     `json:"fresh_until"`
	StaleWhileRevalidate time.Duration `json:"stale_while_revalidate"`
	StaleIfError         time.Duration `json:"stale_if_error"`
	Heuristic            bool          `json:"heuristic,omitempty"`
	Status               int           `json:"status"`
	Header               http.Header   `json:"header"`
	ETag                 string        `json:"etag,omitempty"`
	LastModified         string        `json:"last_modified,omitempty"`
	Vary                 []string      `json:"vary,omitempty"`
	Variance             string        `json:"variance,omitempty"`
}

// Clone 深拷贝元数据，调用方可自由修改返回值。
func (m *Meta) Clone() *Meta {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Header = m.Header.Clone()
	if m.Vary != nil {
		clone.Vary = append([]string(nil), m.Vary...)
	}
	return &clone
}

// Age 返回对象自上次与上游确认以来的时长，不会为负。
func (m *Meta) Age(now time.Time) time.Duration {
	age := now.Sub(m.Updated)
	if age < 0 {
		return 0
	}
	return age
}

// IsFresh 判断对象在 now 时刻是否仍然新鲜。
func (m *Meta) IsFresh(now time.Time) bool {
	return now.Before(m.FreshUntil)
}

// Staleness 返回对象过期了多久，新鲜对象返回 0。
func (m *Meta) Staleness(now time.Time) time.Duration {
	if m.IsFresh(now) {
		return 0
	}
	return now.Sub(m.FreshUntil)
}

// CanServeStaleWhileRevalidate 判断过期对象是否仍在 stale-while-revalidate 窗口内。
func (m *Meta) CanServeStaleWhileRevalidate(now time.Time) bool {
	return !m.IsFresh(now) && m.StaleWhileRevalidate > 0 && m.Staleness(now) <= m.StaleWhileRevalidate
}

// CanServeStaleIfError 判断对象是否仍在 stale-if-error 窗口内。
func (m *Meta) CanServeStaleIfError(now time.Time) bool {
	if m.IsFresh(now) {
		return true
	}
	return m.StaleIfError > 0 && m.Staleness(now) <= m.StaleIfError
}

// HasVary 表示该对象需要按请求头区分变体。
func (m *Meta) HasVary() bool {
	return len(m.Vary) > 0
}

// RetainUntil 返回对象最晚仍有意义的时间点（新鲜期 + 最大的陈旧窗口）。
func (m *Meta) RetainUntil() time.Time {
	window := m.StaleWhileRevalidate
	if m.StaleIfError > window {
		window = m.StaleIfError
	}
	return m.FreshUntil.Add(window)
}

// MarshalMeta 将元数据编码为 JSON。
func MarshalMeta(meta *Meta) ([]byte, error) {
	if meta == nil {
		return nil, errors.New("cache meta required")
	}
	if meta.Version == 0 {
		meta.Version = MetaVersion
	}
	return json.Marshal(meta)
}

// UnmarshalMeta 解析 JSON 元数据，并拒绝未知版本。
func UnmarshalMeta(data []byte) (*Meta, error) {
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.Version != MetaVersion {
		return nil, errors.New("unsupported cache meta version")
	}
	return &meta, nil
}

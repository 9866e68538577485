package httpcache

import (
	"context"
	"io"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/hubcache/internal/cache"
)

// MissWriter 把上游正文同时写给客户端与缓存。客户端写入永远优先，缓存侧的任何
// 失败（超限、存储错误）只会放弃缓存，不影响客户端。Close 保证锁一定被释放。
type MissWriter struct {
	ctx        context.Context
	store      cache.Store
	key        cache.Key
	meta       *cache.Meta
	object     cache.ObjectWriter
	lock       *Lock
	downstream io.Writer
	maxSize    int64
	written    int64
	reason     NoCacheReason
	finished   bool
	logger     logrus.FieldLogger
}

// MissOptions 为 BeginMiss 的参数。
type MissOptions struct {
	Store      cache.Store
	Key        cache.Key
	Meta       *cache.Meta
	Lock       *Lock
	MaxSize    int64
	Downstream io.Writer
	Logger     logrus.FieldLogger
}

// BeginMiss 打开缓存写入。若对象不可缓存（声明长度超限、存储不可用），返回 nil 与原因，
// 同时以 LockAbandoned 发布锁，调用方应直接把正文写给客户端。
// 带 Vary 的对象写入 variance 槽位，并在主键上留下只含元数据的锚点。
func BeginMiss(ctx context.Context, opts MissOptions) (*MissWriter, NoCacheReason) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.Meta == nil || opts.Store == nil {
		opts.Lock.Publish(LockAbandoned)
		return nil, NoCacheReason{Kind: NoCacheResponseUncacheable}
	}
	if opts.MaxSize > 0 {
		if declared, err := strconv.ParseInt(opts.Meta.Header.Get("Content-Length"), 10, 64); err == nil && declared > opts.MaxSize {
			opts.Lock.Publish(LockAbandoned)
			return nil, NoCacheReason{Kind: NoCacheTooLarge, Detail: strconv.FormatInt(declared, 10)}
		}
	}

	key := opts.Key
	if opts.Meta.HasVary() {
		key = key.WithVariance(opts.Meta.Variance)
	} else {
		key = key.PrimaryOnly()
	}

	object, err := opts.Store.CreateWriter(ctx, key, opts.Meta)
	if err != nil {
		logger.WithError(err).WithField("cache_key", key.String()).Warn("cache_writer_create_failed")
		opts.Lock.Publish(LockAbandoned)
		return nil, NoCacheReason{Kind: NoCacheStorageError, Detail: err.Error()}
	}

	return &MissWriter{
		ctx:        ctx,
		store:      opts.Store,
		key:        key,
		meta:       opts.Meta,
		object:     object,
		lock:       opts.Lock,
		downstream: opts.Downstream,
		maxSize:    opts.MaxSize,
		logger:     logger,
	}, NoCacheReason{}
}

// WriteChunk 先写客户端，再写缓存。isLast 为 true 时发布对象。
// 只有客户端写入失败才返回错误。
func (w *MissWriter) WriteChunk(chunk []byte, isLast bool) error {
	if w.finished {
		return cache.ErrWriterClosed
	}
	if len(chunk) > 0 {
		if _, err := w.downstream.Write(chunk); err != nil {
			w.Fail(err)
			return err
		}
		w.commit(chunk)
	}
	if isLast {
		w.finish()
	}
	return nil
}

func (w *MissWriter) commit(chunk []byte) {
	if w.object == nil {
		return
	}
	if w.maxSize > 0 && w.written+int64(len(chunk)) > w.maxSize {
		w.abandon(Custom("exceeds max size"))
		return
	}
	if _, err := w.object.Write(chunk); err != nil {
		w.logger.WithError(err).WithField("cache_key", w.key.String()).Warn("cache_write_failed")
		w.abandon(NoCacheReason{Kind: NoCacheStorageError, Detail: err.Error()})
		return
	}
	w.written += int64(len(chunk))
}

// abandon 丢弃缓存写入并立即唤醒等待者，客户端写入继续。
func (w *MissWriter) abandon(reason NoCacheReason) {
	if w.object != nil {
		w.object.Abort()
		w.object = nil
	}
	if w.reason.IsZero() {
		w.reason = reason
	}
	w.lock.Publish(LockAbandoned)
}

func (w *MissWriter) finish() {
	w.finished = true
	if w.object == nil {
		w.lock.Publish(LockAbandoned)
		return
	}
	object := w.object
	w.object = nil
	if err := object.Finish(); err != nil {
		w.logger.WithError(err).WithField("cache_key", w.key.String()).Warn("cache_publish_failed")
		w.reason = NoCacheReason{Kind: NoCacheStorageError, Detail: err.Error()}
		w.lock.Publish(LockAbandoned)
		return
	}
	if w.key.Variance != "" {
		w.writeAnchor()
	}
	w.lock.Publish(LockFilled)
}

// writeAnchor 在主键上写入只含 Vary 信息的空正文对象，供后续请求计算 variance。
func (w *MissWriter) writeAnchor() {
	anchor := w.meta.Clone()
	anchor.Header.Del("Content-Length")
	primary := w.key.PrimaryOnly()
	object, err := w.store.CreateWriter(w.ctx, primary, anchor)
	if err == nil {
		err = object.Finish()
	}
	if err != nil {
		w.logger.WithError(err).WithField("cache_key", primary.String()).Warn("cache_anchor_failed")
	}
}

// Fail 在上游或客户端出错时调用：丢弃缓存写入并以 LockAbandoned 发布。
func (w *MissWriter) Fail(err error) {
	if w.finished {
		return
	}
	w.finished = true
	if w.object != nil {
		w.object.Abort()
		w.object = nil
	}
	if w.reason.IsZero() && err != nil {
		w.reason = Custom(err.Error())
	}
	w.lock.Publish(LockAbandoned)
}

// Close 用于 defer：未完成的写入按失败处理，锁一定会被释放。
func (w *MissWriter) Close() {
	if !w.finished {
		w.Fail(nil)
	}
	w.lock.Release()
}

// Reason 返回缓存被放弃的原因，成功写入时为零值。
func (w *MissWriter) Reason() NoCacheReason {
	return w.reason
}

// Written 返回写入缓存的字节数。
func (w *MissWriter) Written() int64 {
	return w.written
}

// Key 返回对象实际写入的槽位。
func (w *MissWriter) Key() cache.Key {
	return w.key
}

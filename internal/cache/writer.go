package cache

import (
	"bytes"
	"io"
)

// bufferedWriter 在内存中累积正文，Finish 时一次性交给 publish 发布。
// 内存与 SQLite 后端共用该写入器。
type bufferedWriter struct {
	meta    *Meta
	buf     bytes.Buffer
	publish func(meta *Meta, body []byte) error
	closed  bool
}

func newBufferedWriter(meta *Meta, publish func(meta *Meta, body []byte) error) *bufferedWriter {
	return &bufferedWriter{meta: meta.Clone(), publish: publish}
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	return w.buf.Write(p)
}

func (w *bufferedWriter) Finish() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true
	body := make([]byte, w.buf.Len())
	copy(body, w.buf.Bytes())
	w.buf.Reset()
	return w.publish(w.meta, body)
}

func (w *bufferedWriter) Abort() {
	w.closed = true
	w.buf.Reset()
}

// bytesBody 以固定块大小切分内存正文。
type bytesBody struct {
	data    []byte
	pos     int64
	end     int64
	started bool
}

func newBytesBody(data []byte) *bytesBody {
	return &bytesBody{data: data, end: int64(len(data))}
}

func (b *bytesBody) ReadChunk() ([]byte, error) {
	if b.pos >= b.end {
		return nil, io.EOF
	}
	next := b.pos + chunkSize
	if next > b.end {
		next = b.end
	}
	chunk := b.data[b.pos:next]
	b.pos = next
	b.started = true
	return chunk, nil
}

func (b *bytesBody) CanSeek() bool {
	return !b.started
}

func (b *bytesBody) Seek(start, end int64) error {
	if b.started {
		return ErrSeekUnsupported
	}
	if start < 0 || end > int64(len(b.data)) || start > end {
		return ErrInvalidRange
	}
	b.pos = start
	b.end = end
	return nil
}

func (b *bytesBody) Close() error {
	return nil
}

package byterange

import "io"

type filterState uint8

const (
	stateBeforeRange filterState = iota
	stateInRange
	stateBetweenRanges
	stateDone
)

// Filter 把按顺序到达的完整正文切片成协商好的区间输出。
// None 原样透传，Invalid 丢弃全部输入，Multi 额外输出分段头与结束分隔符。
type Filter struct {
	n           Negotiation
	contentType string
	total       int64

	offset int64
	idx    int
	state  filterState
	out    []byte
}

// NewFilter 构建过滤器。contentType 为改写前的原始 Content-Type。
func NewFilter(n Negotiation, contentType string, total int64) *Filter {
	f := &Filter{n: n, contentType: contentType, total: total}
	if n.Kind == Invalid || ((n.Kind == Single || n.Kind == Multi) && len(n.Ranges) == 0) {
		f.state = stateDone
	}
	return f
}

// Filter 处理下一块输入，返回应写给客户端的字节。返回值在下一次调用前有效。
func (f *Filter) Filter(chunk []byte) []byte {
	if f.n.Kind == None {
		f.offset += int64(len(chunk))
		return chunk
	}

	out := f.out[:0]
	chunkStart := f.offset
	chunkEnd := f.offset + int64(len(chunk))
	f.offset = chunkEnd

	for f.state != stateDone {
		spec := f.n.Ranges[f.idx]
		if spec.Start >= chunkEnd {
			break
		}
		if f.state != stateInRange {
			if f.n.Kind == Multi {
				out = append(out, partHeader(f.n.Boundary, f.contentType, spec, f.total)...)
			}
			f.state = stateInRange
		}

		lo, hi := spec.Start, spec.End
		if lo < chunkStart {
			lo = chunkStart
		}
		if hi > chunkEnd {
			hi = chunkEnd
		}
		if lo < hi {
			out = append(out, chunk[lo-chunkStart:hi-chunkStart]...)
		}

		if spec.End > chunkEnd {
			break
		}
		if f.n.Kind == Multi {
			out = append(out, '\r', '\n')
		}
		f.idx++
		if f.idx == len(f.n.Ranges) {
			f.state = stateDone
		} else {
			f.state = stateBetweenRanges
		}
	}

	f.out = out
	return out
}

// Finalize 在正文结束后调用，Multi 时返回结束分隔符。
func (f *Filter) Finalize() []byte {
	if f.n.Kind != Multi {
		return nil
	}
	f.state = stateDone
	return []byte(terminator(f.n.Boundary))
}

// Done 表示所有区间均已输出，之后的输入都会被丢弃。
func (f *Filter) Done() bool {
	return f.n.Kind != None && f.state == stateDone
}

// Writer 将 Filter 适配为 io.WriteCloser，Close 输出结束分隔符但不关闭下游。
type Writer struct {
	filter *Filter
	dst    io.Writer
	closed bool
}

// NewWriter 包装下游写入器。
func NewWriter(dst io.Writer, filter *Filter) *Writer {
	return &Writer{filter: filter, dst: dst}
}

func (w *Writer) Write(p []byte) (int, error) {
	out := w.filter.Filter(p)
	if len(out) > 0 {
		if _, err := w.dst.Write(out); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close 写出结束分隔符，可重复调用。
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if tail := w.filter.Finalize(); len(tail) > 0 {
		_, err := w.dst.Write(tail)
		return err
	}
	return nil
}

package httpcache

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// TaskKind 标记上游流中的事件类型。
type TaskKind uint8

const (
	TaskHeader TaskKind = iota
	TaskBody
	TaskTrailer
	TaskDone
	TaskFailed
)

// Task 是上游响应被拆分后的单个事件。Body 任务的 EndOfStream 为 true 表示正文结束。
type Task struct {
	Kind        TaskKind
	Status      int
	Header      http.Header
	Body        []byte
	EndOfStream bool
	Err         error
}

type streamState uint8

const (
	streamHeader streamState = iota
	streamBody
	streamTrailer
	streamDone
)

// TaskStream 把 *http.Response 转换为 Header → Body* → Trailer? → Done 的事件序列。
type TaskStream struct {
	resp  *http.Response
	buf   []byte
	state streamState
}

// DefaultChunkSize 为读取上游正文的块大小。
const DefaultChunkSize = 32 * 1024

// NewTaskStream 包装上游响应；调用方仍负责关闭 resp.Body。
func NewTaskStream(resp *http.Response, chunkSize int) *TaskStream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &TaskStream{resp: resp, buf: make([]byte, chunkSize)}
}

// Next 返回下一个事件。Done / Failed 之后重复调用仍返回 Done。
func (s *TaskStream) Next(ctx context.Context) Task {
	switch s.state {
	case streamHeader:
		noBody := s.resp.Body == nil || s.resp.Body == http.NoBody
		if noBody {
			s.state = streamTrailer
		} else {
			s.state = streamBody
		}
		return Task{Kind: TaskHeader, Status: s.resp.StatusCode, Header: s.resp.Header, EndOfStream: noBody}

	case streamBody:
		if err := ctx.Err(); err != nil {
			s.state = streamDone
			return Task{Kind: TaskFailed, Err: err}
		}
		n, err := s.resp.Body.Read(s.buf)
		var chunk []byte
		if n > 0 {
			chunk = make([]byte, n)
			copy(chunk, s.buf[:n])
		}
		switch {
		case err == nil:
			return Task{Kind: TaskBody, Body: chunk}
		case errors.Is(err, io.EOF):
			s.state = streamTrailer
			return Task{Kind: TaskBody, Body: chunk, EndOfStream: true}
		default:
			s.state = streamDone
			return Task{Kind: TaskFailed, Err: err}
		}

	case streamTrailer:
		s.state = streamDone
		if len(s.resp.Trailer) > 0 {
			return Task{Kind: TaskTrailer, Header: s.resp.Trailer}
		}
		return Task{Kind: TaskDone}

	default:
		return Task{Kind: TaskDone}
	}
}

package cache

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// 磁盘条目布局：
//
//	<StoragePath>/<namespace>/<primary[:2]>/<primary>[.<variance>]
//
// 文件内容依次为 4 字节魔数、4 字节大端元数据长度、元数据 JSON、正文。
var entryMagic = [4]byte{'H', 'C', 'E', '1'}

const (
	entryHeaderSize = 8
	chunkSize       = 32 * 1024
	maxMetaSize     = 1 << 20
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 串行化同一条目的 rename，读者持有旧文件句柄不受影响。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Lookup(ctx context.Context, key Key) (*Hit, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	meta, offset, err := readEntryHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read cache entry %s: %w", key, err)
	}

	size := info.Size() - offset
	return &Hit{
		Meta: meta,
		Size: size,
		Body: newFileBody(f, offset, size),
	}, nil
}

func (s *fileStore) CreateWriter(ctx context.Context, key Key, meta *Meta) (ObjectWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return nil, err
	}
	if err := writeEntryHeader(tempFile, meta); err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return nil, err
	}

	return &fileWriter{
		store:    s,
		key:      key,
		filePath: filePath,
		temp:     tempFile,
	}, nil
}

func (s *fileStore) UpdateMeta(ctx context.Context, key Key, meta *Meta) error {
	unlock := s.lockEntry(key)
	defer unlock()

	filePath, err := s.entryPath(key)
	if err != nil {
		return err
	}

	src, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	defer src.Close()

	if _, _, err := readEntryHeader(src); err != nil {
		return fmt.Errorf("read cache entry %s: %w", key, err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	err = writeEntryHeader(tempFile, meta)
	if err == nil {
		_, err = copyWithContext(ctx, tempFile, src)
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Remove(ctx context.Context, key Key) error {
	unlock := s.lockEntry(key)
	defer unlock()

	filePath, err := s.entryPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lockEntry(key Key) func() {
	slot := key.String()
	s.mu.Lock()
	lock := s.locks[slot]
	if lock == nil {
		lock = &entryLock{}
		s.locks[slot] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, slot)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(key Key) (string, error) {
	if key.Namespace == "" {
		return "", errors.New("cache namespace required")
	}
	if len(key.Primary) < 2 {
		return "", errors.New("cache primary key required")
	}
	for _, part := range []string{key.Namespace, key.Primary, key.Variance} {
		if strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return "", errors.New("invalid cache key")
		}
	}

	name := key.Primary
	if key.Variance != "" {
		name += "." + key.Variance
	}
	root := filepath.Join(s.basePath, key.Namespace)
	filePath := filepath.Join(root, key.Primary[:2], name)
	if !strings.HasPrefix(filePath, root) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

// fileWriter 将正文写入临时文件，Finish 时通过 rename 原子发布。
type fileWriter struct {
	store    *fileStore
	key      Key
	filePath string
	temp     *os.File
	closed   bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	return w.temp.Write(p)
}

func (w *fileWriter) Finish() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true

	tempName := w.temp.Name()
	if err := w.temp.Close(); err != nil {
		os.Remove(tempName)
		return err
	}

	unlock := w.store.lockEntry(w.key)
	defer unlock()
	if err := os.Rename(tempName, w.filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (w *fileWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	tempName := w.temp.Name()
	w.temp.Close()
	os.Remove(tempName)
}

// fileBody 基于 SectionReader 提供分块读取，并支持按区间重新定位。
type fileBody struct {
	file   *os.File
	offset int64
	size   int64
	reader  *io.SectionReader
	buf     []byte
	started bool
}

func newFileBody(f *os.File, offset, size int64) *fileBody {
	return &fileBody{
		file:   f,
		offset: offset,
		size:   size,
		reader: io.NewSectionReader(f, offset, size),
		buf:    make([]byte, chunkSize),
	}
}

func (b *fileBody) ReadChunk() ([]byte, error) {
	b.started = true
	n, err := b.reader.Read(b.buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, b.buf[:n])
		return chunk, nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

func (b *fileBody) CanSeek() bool {
	return !b.started
}

func (b *fileBody) Seek(start, end int64) error {
	if b.started {
		return ErrSeekUnsupported
	}
	if start < 0 || end > b.size || start > end {
		return ErrInvalidRange
	}
	b.reader = io.NewSectionReader(b.file, b.offset+start, end-start)
	return nil
}

func (b *fileBody) Close() error {
	return b.file.Close()
}

func writeEntryHeader(w io.Writer, meta *Meta) error {
	raw, err := MarshalMeta(meta)
	if err != nil {
		return err
	}
	if len(raw) > maxMetaSize {
		return errors.New("cache meta too large")
	}
	var header [entryHeaderSize]byte
	copy(header[:4], entryMagic[:])
	binary.BigEndian.PutUint32(header[4:], uint32(len(raw)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// readEntryHeader 解析元数据，返回正文在文件中的起始偏移，并把文件游标停在正文起点。
func readEntryHeader(f *os.File) (*Meta, int64, error) {
	br := bufio.NewReaderSize(io.NewSectionReader(f, 0, entryHeaderSize+maxMetaSize), 4096)
	var header [entryHeaderSize]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, 0, fmt.Errorf("entry header: %w", err)
	}
	if [4]byte(header[:4]) != entryMagic {
		return nil, 0, errors.New("entry magic mismatch")
	}
	metaLen := binary.BigEndian.Uint32(header[4:])
	if metaLen > maxMetaSize {
		return nil, 0, errors.New("entry meta too large")
	}
	raw := make([]byte, metaLen)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, 0, fmt.Errorf("entry meta: %w", err)
	}
	meta, err := UnmarshalMeta(raw)
	if err != nil {
		return nil, 0, err
	}
	offset := int64(entryHeaderSize) + int64(metaLen)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, err
	}
	return meta, offset, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// NewMemoryStore 构建基于 ttlcache 的进程内缓存。条目的 TTL 为新鲜期与陈旧窗口之和，
// 再加上 retain 作为保底，过期条目由 ttlcache 的后台协程清理。
func NewMemoryStore(retain time.Duration) Store {
	items := ttlcache.New[string, *memoryObject](
		ttlcache.WithDisableTouchOnHit[string, *memoryObject](),
	)
	go items.Start()
	return &memoryStore{
		items:  items,
		retain: retain,
		now:    time.Now,
	}
}

type memoryStore struct {
	items  *ttlcache.Cache[string, *memoryObject]
	retain time.Duration
	now    func() time.Time
}

// memoryObject 一经发布便不再修改，UpdateMeta 会整体替换。
type memoryObject struct {
	meta *Meta
	body []byte
}

func (s *memoryStore) Lookup(ctx context.Context, key Key) (*Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item := s.items.Get(key.String())
	if item == nil || item.IsExpired() {
		return nil, ErrNotFound
	}
	obj := item.Value()
	return &Hit{
		Meta: obj.meta.Clone(),
		Size: int64(len(obj.body)),
		Body: newBytesBody(obj.body),
	}, nil
}

func (s *memoryStore) CreateWriter(ctx context.Context, key Key, meta *Meta) (ObjectWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slot := key.String()
	return newBufferedWriter(meta, func(meta *Meta, body []byte) error {
		s.items.Set(slot, &memoryObject{meta: meta, body: body}, s.ttlFor(meta))
		return nil
	}), nil
}

func (s *memoryStore) UpdateMeta(ctx context.Context, key Key, meta *Meta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slot := key.String()
	item := s.items.Get(slot)
	if item == nil || item.IsExpired() {
		return ErrNotFound
	}
	next := &memoryObject{meta: meta.Clone(), body: item.Value().body}
	s.items.Set(slot, next, s.ttlFor(next.meta))
	return nil
}

func (s *memoryStore) Remove(ctx context.Context, key Key) error {
	s.items.Delete(key.String())
	return nil
}

func (s *memoryStore) Close() error {
	s.items.Stop()
	s.items.DeleteAll()
	return nil
}

func (s *memoryStore) ttlFor(meta *Meta) time.Duration {
	ttl := meta.RetainUntil().Sub(s.now()) + s.retain
	if ttl <= 0 {
		ttl = s.retain
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ttl
}

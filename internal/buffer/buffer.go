package buffer

import "context"

// Buffer 有界阻塞缓冲, 生产端阻塞 Put, 消费端非阻塞 Poll。
// 底层是带缓冲 channel, 容量满时 Put 随 ctx 取消而返回。
type Buffer[T any] struct {
	ch chan T
}

// New 创建容量为 capacity 的缓冲
func New[T any](capacity int) *Buffer[T] {
	return &Buffer[T]{ch: make(chan T, capacity)}
}

// Put 放入一个元素, 缓冲满时阻塞直到有空位或 ctx 结束
func (b *Buffer[T]) Put(ctx context.Context, v T) error {
	select {
	case b.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll 取出一个元素, 缓冲为空时立即返回 false
func (b *Buffer[T]) Poll() (T, bool) {
	select {
	case v := <-b.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len 当前积压的元素数
func (b *Buffer[T]) Len() int {
	return len(b.ch)
}

// Drain 取出至多 max 个元素, max <= 0 表示全部取出
func (b *Buffer[T]) Drain(max int) []T {
	if max <= 0 {
		max = len(b.ch)
	}
	out := make([]T, 0, max)
	for len(out) < max {
		v, ok := b.Poll()
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}

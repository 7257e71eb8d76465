package internal

import (
	"sync"
	"sync/atomic"
)

// Publisher 向房間頻道發送訊息的最小介面
//
// 命令處理器只拿得到 Publisher，拿不到 Manager。
type Publisher interface {
	Publish(payload string)
}

// Broadcaster 房間的廣播頻道
//
// 系統設計考量：
//
//  1. 有界緩衝（每個訂閱者一個 buffered channel）：
//     問題：慢消費者不能拖慢發送者，也不能拖慢同房間的其他人
//     方案：緩衝滿時丟棄該訂閱者「最舊」的未讀訊息，再放入新訊息
//     結果：Publish 永遠不阻塞；慢客戶端看到的是最新狀態
//
//  2. 順序保證：
//     - Publish 在 mu 之下逐一投遞，同一頻道的訊息對所有訂閱者順序一致
//     - 不同房間之間沒有順序保證
//
//  3. 無重播：
//     - 訂閱者只會收到訂閱之後發佈的訊息
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
	onDrop func() // 丟棄訊息時的回呼（指標用），可為 nil
}

// Subscription 一個訂閱者的接收端
type Subscription struct {
	ch        chan string
	b         *Broadcaster
	dropped   atomic.Int64
	closeOnce sync.Once
}

// NewBroadcaster 創建廣播頻道，buffer 為每個訂閱者的緩衝大小
func NewBroadcaster(buffer int, onDrop func()) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		onDrop: onDrop,
	}
}

// Publish 發佈訊息給所有目前的訂閱者（永不阻塞）
func (b *Broadcaster) Publish(payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub.ch <- payload:
			continue
		default:
		}

		// 緩衝已滿：丟掉最舊的一則，再放入新的
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		default:
		}

		// 只有持有 mu 的一方會寫入，騰出空間後這裡一定成功
		select {
		case sub.ch <- payload:
		default:
		}
	}
}

// Subscribe 建立新的訂閱
//
// 已關閉的頻道會回傳一個已關閉的訂閱。
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		ch: make(chan string, b.buffer),
		b:  b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.closeOnce.Do(func() { close(sub.ch) })
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// SubscriberCount 目前的訂閱者數量
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close 關閉頻道與所有訂閱；之後的 Publish 為 no-op
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.closeOnce.Do(func() { close(sub.ch) })
		delete(b.subs, sub)
	}
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs, sub)
	sub.closeOnce.Do(func() { close(sub.ch) })
}

// C 接收訊息的 channel；頻道或訂閱關閉時此 channel 會被關閉
func (s *Subscription) C() <-chan string {
	return s.ch
}

// Dropped 因緩衝滿而被丟棄的訊息數
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close 取消訂閱（可重複呼叫）
func (s *Subscription) Close() {
	s.b.unsubscribe(s)
}

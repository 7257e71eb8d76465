package internal_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/interaction-rooms/internal"
)

func TestBroadcaster_PublishOrder(t *testing.T) {
	b := internal.NewBroadcaster(10, nil)
	first := b.Subscribe()
	second := b.Subscribe()

	for i := 1; i <= 5; i++ {
		b.Publish(fmt.Sprintf("m%d", i))
	}

	for _, sub := range []*internal.Subscription{first, second} {
		for i := 1; i <= 5; i++ {
			assert.Equal(t, fmt.Sprintf("m%d", i), recv(t, sub))
		}
	}
}

func TestBroadcaster_NoReplay(t *testing.T) {
	b := internal.NewBroadcaster(10, nil)
	early := b.Subscribe()

	b.Publish("before")
	late := b.Subscribe()
	b.Publish("after")

	assert.Equal(t, "before", recv(t, early))
	assert.Equal(t, "after", recv(t, early))

	assert.Equal(t, "after", recv(t, late))
	expectNone(t, late, 20*time.Millisecond)
}

func TestBroadcaster_DropOldest(t *testing.T) {
	var drops atomic.Int64
	b := internal.NewBroadcaster(3, func() { drops.Add(1) })
	slow := b.Subscribe()
	fast := b.Subscribe()

	received := make(chan string, 10)
	go func() {
		for msg := range fast.C() {
			received <- msg
		}
	}()

	for i := 1; i <= 5; i++ {
		b.Publish(fmt.Sprintf("m%d", i))
		// 讓 fast 有時間消化，它不應受到 slow 的影響
		time.Sleep(5 * time.Millisecond)
	}

	// 慢消費者只保留最新的 3 則
	assert.Equal(t, "m3", recv(t, slow))
	assert.Equal(t, "m4", recv(t, slow))
	assert.Equal(t, "m5", recv(t, slow))
	assert.Equal(t, int64(2), slow.Dropped())
	assert.Equal(t, int64(2), drops.Load())

	for i := 1; i <= 5; i++ {
		select {
		case msg := <-received:
			assert.Equal(t, fmt.Sprintf("m%d", i), msg)
		case <-time.After(2 * time.Second):
			t.Fatal("fast subscriber missed a message")
		}
	}
	assert.Zero(t, fast.Dropped())
}

func TestBroadcaster_PublishNeverBlocks(t *testing.T) {
	b := internal.NewBroadcaster(1, nil)
	_ = b.Subscribe() // 永遠不讀

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish("x")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := internal.NewBroadcaster(10, nil)
	sub := b.Subscribe()
	other := b.Subscribe()
	require.Equal(t, 2, b.SubscriberCount())

	sub.Close()
	sub.Close() // 可重複呼叫
	assert.Equal(t, 1, b.SubscriberCount())
	expectClosed(t, sub)

	b.Publish("still here")
	assert.Equal(t, "still here", recv(t, other))
}

func TestBroadcaster_Close(t *testing.T) {
	b := internal.NewBroadcaster(10, nil)
	sub := b.Subscribe()

	b.Close()
	b.Close()
	expectClosed(t, sub)
	assert.Zero(t, b.SubscriberCount())

	// 關閉後發佈是 no-op，訂閱立即關閉
	b.Publish("ignored")
	late := b.Subscribe()
	expectClosed(t, late)

	// 關閉後取消訂閱不會 panic
	sub.Close()
	late.Close()
}

func TestBroadcaster_ConcurrentPublish(t *testing.T) {
	const (
		publishers = 10
		perSender  = 100
	)
	b := internal.NewBroadcaster(publishers*perSender, nil)
	sub := b.Subscribe()

	var wg sync.WaitGroup
	for p := range publishers {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := range perSender {
				b.Publish(fmt.Sprintf("%d-%d", p, i))
			}
		}(p)
	}
	wg.Wait()

	// 每個發送者自己的訊息順序不變
	next := make(map[string]int)
	for i := 0; i < publishers*perSender; i++ {
		msg := recv(t, sub)
		var p, n int
		_, err := fmt.Sscanf(msg, "%d-%d", &p, &n)
		require.NoError(t, err)
		key := fmt.Sprint(p)
		assert.Equal(t, next[key], n)
		next[key] = n + 1
	}
	assert.Zero(t, sub.Dropped())
}

package obslog

import (
	"container/ring"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, parseLevel("debug").String(), "debug")
	assert.Equal(t, parseLevel("WARN").String(), "warn")
	assert.Equal(t, parseLevel("bogus").String(), "info")
	assert.Equal(t, parseLevel("").String(), "info")
}

func TestBroadcasterFansOutToSubscribers(t *testing.T) {
	b := NewBroadcaster(8)
	ch, unsubscribe := b.Subscribe("sub-1")
	defer unsubscribe()

	n, err := b.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, len("hello world"), n)

	select {
	case line := <-ch:
		assert.Equal(t, "hello world", line)
	default:
		t.Fatal("expected a fanned-out line")
	}
}

func TestBroadcasterDropsForBlockedSubscriber(t *testing.T) {
	b := &LogBroadcaster{subscribers: map[string]chan string{"slow": make(chan string)}}
	b.buffer = ring.New(DefaultBufferSize)

	n, err := b.Write([]byte("line one"))
	require.NoError(t, err)
	assert.Equal(t, len("line one"), n)
	// No assertion on the warn output itself: the point is Write never
	// blocks even though the subscriber channel has no reader.
}

func TestBroadcasterRecentReturnsWrittenLines(t *testing.T) {
	b := NewBroadcaster(4)
	_, _ = b.Write([]byte("one"))
	_, _ = b.Write([]byte("two"))

	recent := b.Recent()
	require.Len(t, recent, 2)
	assert.True(t, strings.Contains(strings.Join(recent, ","), "one"))
	assert.True(t, strings.Contains(strings.Join(recent, ","), "two"))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(4)
	ch, unsubscribe := b.Subscribe("sub-1")
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
}

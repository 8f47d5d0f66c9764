package chat

import (
	"fmt"
	"sync"
	"testing"

	"github.com/eachlabs/quickchat/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageLogAppend(t *testing.T) {
	l := NewMessageLog()

	assert.True(t, l.Append(transport.Message{SID: "IM1", Body: "a"}))
	assert.True(t, l.Append(transport.Message{SID: "IM2", Body: "b"}))
	assert.False(t, l.Append(transport.Message{SID: "IM1", Body: "a again"}))

	// Messages without a SID cannot be deduplicated and are always kept.
	assert.True(t, l.Append(transport.Message{Body: "c"}))
	assert.True(t, l.Append(transport.Message{Body: "c"}))

	require.Equal(t, 4, l.Len())
	got := l.Snapshot()
	assert.Equal(t, "a", got[0].Body)
	assert.Equal(t, "b", got[1].Body)
}

func TestMessageLogSince(t *testing.T) {
	l := NewMessageLog()
	for i := range 3 {
		l.Append(transport.Message{SID: fmt.Sprintf("IM%d", i), Body: fmt.Sprint(i)})
	}

	tests := []struct {
		name string
		n    int
		want int
	}{
		{name: "negative", n: -1, want: 3},
		{name: "start", n: 0, want: 3},
		{name: "middle", n: 2, want: 1},
		{name: "end", n: 3, want: 0},
		{name: "past end", n: 10, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, l.Since(tt.n), tt.want)
		})
	}
}

func TestMessageLogSnapshotIsolated(t *testing.T) {
	l := NewMessageLog()
	l.Append(transport.Message{SID: "IM1", Body: "a"})

	snap := l.Snapshot()
	snap[0].Body = "changed"

	assert.Equal(t, "a", l.Snapshot()[0].Body)
}

func TestMessageLogConcurrentAppend(t *testing.T) {
	l := NewMessageLog()

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				// Every worker appends the same SIDs; only one copy survives.
				l.Append(transport.Message{SID: fmt.Sprintf("IM%d", i), Body: fmt.Sprint(w)})
				_ = l.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, l.Len())
}

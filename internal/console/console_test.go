package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eachlabs/quickchat/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func collect(t *testing.T, c *Console) []string {
	t.Helper()
	var got []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line := <-c.Lines():
			got = append(got, line)
		case <-c.Done():
			return got
		case <-timeout:
			t.Fatal("console did not finish")
		}
	}
}

func TestConsoleLinesAndCommands(t *testing.T) {
	in := strings.NewReader("hello\n\n/help\n/bogus\n  world  \n/exit\nignored\n")
	out := &syncBuffer{}
	c := New(in, out)

	c.Start(context.Background())
	got := collect(t, c)

	assert.Equal(t, []string{"hello", "world"}, got)
	assert.Contains(t, out.String(), "/history")
	assert.Contains(t, out.String(), "unknown command /bogus")
	assert.Contains(t, out.String(), "Goodbye!")
}

func TestConsoleEndOfInput(t *testing.T) {
	c := New(strings.NewReader("last line without newline"), &syncBuffer{})
	c.Start(context.Background())

	assert.Equal(t, []string{"last line without newline"}, collect(t, c))
}

func TestConsoleHistory(t *testing.T) {
	out := &syncBuffer{}
	c := New(strings.NewReader("/history\n/exit\n"), out)
	c.SetSession("alice", "general")
	c.SetHistory(func() []transport.Message {
		return []transport.Message{
			{SID: "IM1", Author: "alice", Body: "first"},
			{SID: "IM2", Author: "bob", Body: "second"},
		}
	})

	c.Start(context.Background())
	collect(t, c)

	s := out.String()
	require.Contains(t, s, "alice first")
	require.Contains(t, s, "bob second")
	assert.Less(t, strings.Index(s, "first"), strings.Index(s, "second"))
}

func TestConsoleHistoryEmpty(t *testing.T) {
	out := &syncBuffer{}
	c := New(strings.NewReader("/history\n/exit\n"), out)
	c.SetHistory(func() []transport.Message { return nil })

	c.Start(context.Background())
	collect(t, c)

	assert.Contains(t, out.String(), "no messages yet")
}

func TestConsoleHeader(t *testing.T) {
	out := &syncBuffer{}
	c := New(strings.NewReader(""), out)
	c.SetSession("alice", "general")

	c.PrintHeader()

	assert.Contains(t, out.String(), "quickchat")
	assert.Contains(t, out.String(), "alice in #general")
}

func TestConsolePrintMessageAndError(t *testing.T) {
	out := &syncBuffer{}
	c := New(strings.NewReader(""), out)

	c.PrintMessage(transport.Message{
		Author:    "bob",
		Body:      "hi",
		Timestamp: time.Date(2024, 1, 1, 9, 30, 0, 0, time.Local),
	})
	c.PrintError(errors.New("not logged in"))
	c.PrintNotice("joined #general")

	s := out.String()
	assert.Contains(t, s, "09:30 bob hi")
	assert.Contains(t, s, "Error: not logged in")
	assert.Contains(t, s, "joined #general")
}

func TestConsoleStopUnblocksInput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(strings.NewReader("pending\n"), &syncBuffer{})
	c.Start(ctx)

	// Nobody reads Lines; Stop must still let the reader exit.
	c.Stop()
	c.Stop()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
}

func TestConsoleSpinner(t *testing.T) {
	out := &syncBuffer{}
	c := New(strings.NewReader(""), out)

	c.StartSpinner("Connecting...")
	c.StartSpinner("ignored")
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Connecting...")
	}, time.Second, 10*time.Millisecond)

	c.StopSpinner()
	c.StopSpinner()

	size := len(out.String())
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, size, len(out.String()), "spinner kept drawing after stop")
	assert.NotContains(t, out.String(), "ignored")
}

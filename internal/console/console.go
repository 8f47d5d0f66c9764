// Package console is the line-oriented terminal front end of the chat
// command: it reads input lines, handles slash commands and prints
// messages with lipgloss styling.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/eachlabs/quickchat/internal/transport"
)

var (
	purple   = lipgloss.Color("#A855F7")
	green    = lipgloss.Color("#22C55E")
	cyan     = lipgloss.Color("#06B6D4")
	red      = lipgloss.Color("#EF4444")
	gray     = lipgloss.Color("#6B7280")
	white    = lipgloss.Color("#F9FAFB")
	darkGray = lipgloss.Color("#374151")

	spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
)

const rule = "  ─────────────────────────────────────"

type styles struct {
	logo   lipgloss.Style
	prompt lipgloss.Style
	own    lipgloss.Style
	other  lipgloss.Style
	body   lipgloss.Style
	err    lipgloss.Style
	muted  lipgloss.Style
	box    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		logo:   r.NewStyle().Bold(true).Foreground(purple),
		prompt: r.NewStyle().Bold(true).Foreground(green),
		own:    r.NewStyle().Bold(true).Foreground(green),
		other:  r.NewStyle().Bold(true).Foreground(cyan),
		body:   r.NewStyle().Foreground(white),
		err:    r.NewStyle().Bold(true).Foreground(red),
		muted:  r.NewStyle().Foreground(gray),
		box:    r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(darkGray).Padding(0, 1),
	}
}

// Console reads chat input from in and renders output to out.
type Console struct {
	in    io.Reader
	out   io.Writer
	style styles

	lines chan string
	done  chan struct{}

	mu            sync.Mutex
	started       bool
	identity      string
	channel       string
	history       func() []transport.Message
	spinnerActive bool
	spinnerDone   chan struct{}
	spinnerIdx    int
}

// New creates a console. Styling is disabled automatically when out is not
// a terminal.
func New(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:    in,
		out:   out,
		style: newStyles(lipgloss.NewRenderer(out)),
		lines: make(chan string),
		done:  make(chan struct{}),
	}
}

// SetSession records who is chatting where, for the header and for telling
// own messages apart.
func (c *Console) SetSession(identity, channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = identity
	c.channel = channel
}

// SetHistory sets the source of the /history command.
func (c *Console) SetHistory(fn func() []transport.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = fn
}

// Start begins reading input. Lines that are not commands are delivered on
// Lines; Done is closed on /exit or end of input.
func (c *Console) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.readLoop(ctx)
}

// Lines returns the channel of chat input.
func (c *Console) Lines() <-chan string {
	return c.lines
}

// Done returns a channel that's closed when the console exits.
func (c *Console) Done() <-chan struct{} {
	return c.done
}

// Stop ends the console. It is safe to call more than once.
func (c *Console) Stop() {
	c.StopSpinner()

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Console) readLoop(ctx context.Context) {
	defer c.Stop()
	reader := bufio.NewReader(c.in)

	for {
		c.printPrompt()

		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" && !c.handle(ctx, line) {
			return
		}
		if err != nil {
			return
		}
	}
}

// handle processes one input line and reports whether reading continues.
func (c *Console) handle(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, "/") {
		select {
		case c.lines <- line:
			return true
		case <-ctx.Done():
			return false
		case <-c.done:
			return false
		}
	}

	switch line {
	case "/exit", "/quit":
		c.write(c.style.muted.Render("\n  Goodbye!") + "\n")
		return false
	case "/help":
		c.printHelp()
	case "/clear":
		c.write("\033[H\033[2J")
		c.PrintHeader()
	case "/history":
		c.printHistory()
	default:
		c.PrintError(fmt.Errorf("unknown command %s (try /help)", line))
	}
	return true
}

func (c *Console) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, s)
}

func (c *Console) printPrompt() {
	c.write("\n" + c.style.prompt.Render("  ❯ "))
}

// PrintHeader prints the banner with the current identity and channel.
func (c *Console) PrintHeader() {
	c.mu.Lock()
	identity, channel := c.identity, c.channel
	c.mu.Unlock()

	var b strings.Builder
	b.WriteString("\n")
	banner := c.style.logo.Render("quickchat") + "\n" +
		c.style.muted.Render(fmt.Sprintf("%s in #%s", identity, channel))
	b.WriteString(c.style.box.Render(banner))
	b.WriteString("\n\n")
	b.WriteString(c.style.muted.Render("  /help for commands • /exit to quit"))
	b.WriteString("\n")
	b.WriteString(c.style.muted.Render(rule))
	b.WriteString("\n")
	c.write(b.String())
}

func (c *Console) printHelp() {
	help := `
  ` + c.style.logo.Render("Commands:") + `

  ` + c.style.muted.Render("/help") + `      Show this help
  ` + c.style.muted.Render("/history") + `   Show every message received so far
  ` + c.style.muted.Render("/clear") + `     Clear screen
  ` + c.style.muted.Render("/exit") + `      Leave the chat
`
	c.write(help)
}

func (c *Console) printHistory() {
	c.mu.Lock()
	fn := c.history
	c.mu.Unlock()

	if fn == nil {
		c.PrintNotice("no history available")
		return
	}
	msgs := fn()
	if len(msgs) == 0 {
		c.PrintNotice("no messages yet")
		return
	}
	for _, msg := range msgs {
		c.PrintMessage(msg)
	}
}

// PrintMessage renders one chat message.
func (c *Console) PrintMessage(msg transport.Message) {
	c.mu.Lock()
	own := msg.Author == c.identity
	c.mu.Unlock()

	author := c.style.other.Render(msg.Author)
	if own {
		author = c.style.own.Render(msg.Author)
	}

	stamp := ""
	if !msg.Timestamp.IsZero() {
		stamp = c.style.muted.Render(msg.Timestamp.Local().Format("15:04")) + " "
	}
	c.write(fmt.Sprintf("\r\033[K  %s%s %s\n", stamp, author, c.style.body.Render(msg.Body)))
}

// PrintError renders err.
func (c *Console) PrintError(err error) {
	c.write(fmt.Sprintf("\n  %s %s\n", c.style.err.Render("Error:"), err))
}

// PrintNotice renders an informational line.
func (c *Console) PrintNotice(text string) {
	c.write("  " + c.style.muted.Render(text) + "\n")
}

// StartSpinner animates label until StopSpinner is called.
func (c *Console) StartSpinner(label string) {
	c.mu.Lock()
	if c.spinnerActive {
		c.mu.Unlock()
		return
	}
	c.spinnerActive = true
	done := make(chan struct{})
	c.spinnerDone = done
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.mu.Lock()
				select {
				case <-done:
					c.mu.Unlock()
					return
				default:
				}
				idx := c.spinnerIdx
				c.spinnerIdx = (c.spinnerIdx + 1) % len(spinnerFrames)
				fmt.Fprintf(c.out, "\r  %s %s",
					c.style.logo.Render(spinnerFrames[idx]),
					c.style.muted.Render(label))
				c.mu.Unlock()
			}
		}
	}()
}

// StopSpinner stops the spinner and clears its line.
func (c *Console) StopSpinner() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.spinnerActive {
		return
	}
	c.spinnerActive = false
	close(c.spinnerDone)
	fmt.Fprint(c.out, "\r\033[K")
}

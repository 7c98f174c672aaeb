package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var spinFrames = [...]string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const spinInterval = 80 * time.Millisecond

// Checklist redraws the step tree in place. Steps under a finished instance
// are folded away so long deployments fit on screen.
type Checklist struct {
	out io.Writer

	mu      sync.Mutex
	steps   []stepState
	lines   int
	frame   int
	started bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewChecklist() *Checklist {
	return newChecklist(os.Stderr)
}

func newChecklist(out io.Writer) *Checklist {
	return &Checklist{out: out, stop: make(chan struct{}), done: make(chan struct{})}
}

func (c *Checklist) OnSnapshot(snap stepSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = visibleSteps(snap.Steps)
	c.drawLocked()
	if !c.started {
		c.started = true
		go c.animate()
	}
}

// Close stops the spinner and draws the final state.
func (c *Checklist) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.done
		}
		c.mu.Lock()
		c.drawLocked()
		c.mu.Unlock()
	})
}

func (c *Checklist) animate() {
	defer close(c.done)
	ticker := time.NewTicker(spinInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.frame = (c.frame + 1) % len(spinFrames)
			c.drawLocked()
			c.mu.Unlock()
		}
	}
}

// drawLocked rewrites the previously drawn lines. Caller holds c.mu.
func (c *Checklist) drawLocked() {
	if c.lines > 0 {
		fmt.Fprintf(c.out, "\033[%dA", c.lines)
	}
	for _, s := range c.steps {
		fmt.Fprintf(c.out, "\r%s\033[K\n", c.line(s))
	}
	if extra := c.lines - len(c.steps); extra > 0 {
		for range extra {
			fmt.Fprint(c.out, "\r\033[K\n")
		}
		fmt.Fprintf(c.out, "\033[%dA", extra)
	}
	c.lines = len(c.steps)
}

func (c *Checklist) line(s stepState) string {
	var icon, title string
	switch s.Status {
	case stepRunning:
		icon, title = Accent(spinFrames[c.frame]), s.Title
	case stepDone:
		icon, title = Success("✓"), s.Title
	case stepFailed:
		icon, title = ErrorStyle.Render("✗"), ErrorStyle.Render(s.Title)
	default:
		icon, title = Muted("●"), Muted(s.Title)
	}

	line := stepIndent(s) + icon + " " + title
	if e := formatElapsed(s.Elapsed); e != "" {
		line += " " + Muted(e)
	}
	if s.Message != "" {
		line += " " + Muted(s.Message)
	}
	return line
}

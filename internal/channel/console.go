package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"nefit-easy-connector/internal/model"
)

// Console writes pretty printed records to an io.Writer, stdout by default. It is always
// available and serves as the fallback channel.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole returns a console channel. A nil writer selects stdout.
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{out: out}
}

func (c *Console) Name() string    { return "console" }
func (c *Console) Available() bool { return true }
func (c *Console) End() error      { return nil }

func (c *Console) Publish(_ context.Context, status *model.StatusRecord) error {
	return c.write("publish", status)
}

func (c *Console) ImportHistory(_ context.Context, history *model.HistoryRecord) error {
	return c.write("import history", history)
}

func (c *Console) write(op string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &PublishError{Channel: c.Name(), Op: op, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.out, "%s\n", data); err != nil {
		return &PublishError{Channel: c.Name(), Op: op, Err: err}
	}
	return nil
}

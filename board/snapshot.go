package board

import (
	"fmt"
	"strings"

	"github.com/VibeCode-Max/bright-flow-mind/domain"
)

// Snapshot renders the board as the plain-text context handed to the
// assistant: one line per column with its task count and the quoted titles
// with priorities, or "empty".
func (c *Controller) Snapshot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot(c.tasks)
}

// Snapshot renders tasks in the board context format.
func Snapshot(tasks []domain.Task) string {
	var b strings.Builder
	b.WriteString("Current board state:")
	for _, col := range domain.Columns {
		items := make([]string, 0)
		for _, t := range tasks {
			if t.Column == col.ID {
				items = append(items, `"`+t.Title+`" [`+string(t.Priority)+`]`)
			}
		}
		list := strings.Join(items, ", ")
		if list == "" {
			list = "empty"
		}
		fmt.Fprintf(&b, "\n%s (%d): %s", col.Title, len(items), list)
	}
	return b.String()
}

// ABOUTME: Showtime program entry points
// ABOUTME: Full-screen bubbletea monitor or plain periodic status lines
package ui

import (
	"context"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Run shows the TUI until the user quits
func Run(t Transport, title string) error {
	p := tea.NewProgram(NewModel(t, title), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RunPlain writes one status line per interval to w until ctx is done
func RunPlain(ctx context.Context, t Transport, w io.Writer, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, pos := t.Query()
		if _, err := fmt.Fprintln(w, FormatLine(state, pos)); err != nil {
			return err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

package terminal

import (
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

// screen mirrors PTY output through a virtual terminal emulator so the
// sweeper can probe whether the shell is sitting at a prompt.
type screen struct {
	mu   sync.Mutex
	term vt10x.Terminal
	cols int
	rows int
}

func newScreen(cols, rows int) *screen {
	return &screen{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// Write feeds PTY output into the emulator.
func (s *screen) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.term.Write(data)
}

// Resize updates the emulator dimensions to match the PTY.
func (s *screen) Resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term.Resize(cols, rows)
	s.cols = cols
	s.rows = rows
}

// PromptIdle reports whether the last non-blank visible line ends with a
// common shell prompt character. A blank screen is not idle; the prompt
// has not drawn yet.
func (s *screen) PromptIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for row := s.rows - 1; row >= 0; row-- {
		line := strings.TrimRight(s.lineAt(row), " \t")
		if line == "" {
			continue
		}
		switch line[len(line)-1] {
		case '$', '%', '>', '#':
			return true
		default:
			return false
		}
	}
	return false
}

// lineAt renders one visible row as text. Must be called with mu held.
func (s *screen) lineAt(row int) string {
	chars := make([]rune, 0, s.cols)
	for col := 0; col < s.cols; col++ {
		g := s.term.Cell(col, row)
		if g.Char == 0 {
			chars = append(chars, ' ')
		} else {
			chars = append(chars, g.Char)
		}
	}
	return string(chars)
}

package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"golang.org/x/term"
)

const (
	historyFileName = ".astman_history"
	historySize     = 500
)

// LineEditor reads console lines with history and editing when stdin is a
// terminal, and plainly otherwise.
type LineEditor struct {
	rl      *readline.Instance
	scanner *bufio.Scanner
	out     io.Writer
}

// NewLineEditor picks readline for terminals and a scanner for pipes.
func NewLineEditor() *LineEditor {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return newScannerEditor(os.Stdin, os.Stdout)
	}

	home, _ := os.UserHomeDir()
	rl, err := readline.NewFromConfig(&readline.Config{
		HistoryFile:            filepath.Join(home, historyFileName),
		HistoryLimit:           historySize,
		DisableAutoSaveHistory: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline unavailable (%v), using basic input\n", err)
		return newScannerEditor(os.Stdin, os.Stdout)
	}
	return &LineEditor{rl: rl}
}

func newScannerEditor(in io.Reader, out io.Writer) *LineEditor {
	return &LineEditor{scanner: bufio.NewScanner(in), out: out}
}

// ReadLine shows prompt and returns the next line. Ctrl-C and end of input
// both return io.EOF.
func (le *LineEditor) ReadLine(prompt string) (string, error) {
	if le.rl == nil {
		fmt.Fprint(le.out, prompt)
		if !le.scanner.Scan() {
			if err := le.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return le.scanner.Text(), nil
	}

	le.rl.SetPrompt(prompt)
	line, err := le.rl.Readline()
	if err != nil {
		if err == readline.ErrInterrupt {
			return "", io.EOF
		}
		return "", err
	}
	if trimmed := strings.TrimSpace(line); trimmed != "" {
		le.rl.SaveToHistory(trimmed)
	}
	return line, nil
}

// Close releases the terminal.
func (le *LineEditor) Close() error {
	if le.rl != nil {
		return le.rl.Close()
	}
	return nil
}

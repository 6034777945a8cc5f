package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Wizard asks for the settings astman cannot guess: where the manager is
// and which account to log in with.
type Wizard struct {
	in     *bufio.Reader
	out    io.Writer
	secret func() (string, error)
}

// NewWizard creates a wizard on stdin/stdout. Secrets are read without echo
// when stdin is a terminal.
func NewWizard() *Wizard {
	w := &Wizard{in: bufio.NewReader(os.Stdin), out: os.Stdout}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		w.secret = func() (string, error) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(w.out)
			return string(b), err
		}
	}
	return w
}

// RunSetupWizard fills in the manager section and saves the file.
func (w *Wizard) RunSetupWizard(cfg *Config) error {
	fmt.Fprintln(w.out, "astman setup")
	fmt.Fprintln(w.out)

	m := cfg.GetManager()

	fmt.Fprintln(w.out, "── Manager ──")
	m.Host = w.promptString("Manager host", m.Host)
	m.Port = w.promptInt("Manager port", m.Port)
	m.Username = w.promptString("Username", m.Username)
	m.Secret = w.promptSecret("Secret", m.Secret)
	m.Events = w.promptBool("Receive events", m.Events)

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "── Session ──")
	m.KeepaliveIntervalSec = w.promptInt("Keepalive interval in seconds (0 disables)", m.KeepaliveIntervalSec)
	m.ResponseTimeoutSec = w.promptInt("Response timeout in seconds", m.ResponseTimeoutSec)

	cfg.SetManager(m)

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(w.out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(w.out, "  - [%s] %s\n", e.Field, e.Message)
		}
		retry := w.promptString("Would you like to try again? (yes/no)", "yes")
		if strings.EqualFold(retry, "yes") {
			return w.RunSetupWizard(cfg)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, warn := range result.Warnings {
		log.Warn().Str("field", warn.Field).Msg(warn.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(w.out, "\nConfiguration saved to %s\n", cfg.Path())
	return nil
}

func (w *Wizard) readLine() string {
	input, _ := w.in.ReadString('\n')
	return strings.TrimSpace(input)
}

func (w *Wizard) promptString(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(w.out, "  %s: ", prompt)
	}

	if input := w.readLine(); input != "" {
		return input
	}
	return defaultVal
}

func (w *Wizard) promptSecret(prompt, current string) string {
	if current != "" {
		fmt.Fprintf(w.out, "  %s [unchanged]: ", prompt)
	} else {
		fmt.Fprintf(w.out, "  %s: ", prompt)
	}

	var input string
	if w.secret != nil {
		s, err := w.secret()
		if err != nil {
			log.Warn().Err(err).Msg("failed to read secret")
		}
		input = strings.TrimSpace(s)
	} else {
		input = w.readLine()
	}

	if input == "" {
		return current
	}
	return input
}

func (w *Wizard) promptInt(prompt string, defaultVal int) int {
	fmt.Fprintf(w.out, "  %s [%d]: ", prompt, defaultVal)

	input := w.readLine()
	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(w.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (w *Wizard) promptBool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}
	fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(w.readLine())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}

// Package cli implements the interactive manager console: status tables,
// raw actions, console commands and the event journal.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"

	"github.com/linuxdeveloper/ast-api/internal/ami"
	"github.com/linuxdeveloper/ast-api/internal/connector"
	"github.com/linuxdeveloper/ast-api/internal/events"
	"github.com/linuxdeveloper/ast-api/internal/journal"
	"github.com/linuxdeveloper/ast-api/internal/util"
)

const prompt = "astman> "

// errQuit ends the console loop.
var errQuit = errors.New("quit")

// Manager is the manager link the console drives.
type Manager interface {
	Status() connector.Status
	Execute(ctx context.Context, action string, params ami.Params) (*ami.Packet, error)
	Command(ctx context.Context, command string) ([]string, error)
	Ping(ctx context.Context) (time.Duration, error)
	Reconnect(ctx context.Context) error
	SetDebug(debug bool)
}

// Journal is the read side of the event journal.
type Journal interface {
	Recent(limit int, name string) ([]journal.Entry, error)
}

// LineReader supplies console input.
type LineReader interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

// CLI provides an interactive command-line interface.
type CLI struct {
	manager Manager
	journal Journal
	bus     *events.EventBus
	out     io.Writer
	logger  zerolog.Logger
}

// NewCLI creates a console writing to out. journal may be nil.
func NewCLI(manager Manager, journal Journal, bus *events.EventBus, out io.Writer) *CLI {
	return &CLI{
		manager: manager,
		journal: journal,
		bus:     bus,
		out:     out,
		logger:  util.ComponentLogger("cli"),
	}
}

// Start reads commands from reader until quit, end of input or ctx is done.
// quit asks the rest of the program to shut down.
func (c *CLI) Start(ctx context.Context, reader LineReader) {
	defer reader.Close()

	fmt.Fprintf(c.out, "\n%s console ready. Type 'help' for available commands.\n", util.AppName)

	for ctx.Err() == nil {
		line, err := reader.ReadLine(prompt)
		if err != nil {
			if err != io.EOF {
				c.logger.Warn().Err(err).Msg("console input failed")
			}
			return
		}

		err = c.Execute(ctx, line)
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

// Execute runs one console line.
func (c *CLI) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "ping":
		return c.cmdPing(ctx)
	case "action", "a":
		return c.cmdAction(ctx, args)
	case "command", "cmd", "c":
		return c.cmdCommand(ctx, args)
	case "events", "e":
		return c.cmdEvents(args)
	case "debug":
		return c.cmdDebug(args)
	case "reconnect":
		return c.cmdReconnect(ctx)
	case "quit", "exit", "q":
		fmt.Fprintf(c.out, "Shutting down %s...\n", util.AppName)
		c.bus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprint(c.out, `
Commands:
  status                       Show the manager link
  ping                         Measure a manager round trip
  action <Name> [Key=Value...] Send a manager action
  command <console command>    Run an Asterisk console command
  events [count] [name]        List journaled events
  debug on|off                 Toggle traffic dumps
  reconnect                    Drop and re-establish the manager link
  quit                         Shut down
  help                         Show this help message

`)
}

func (c *CLI) printStatus() {
	st := c.manager.Status()

	tw := c.table([]string{"Field", "Value"})
	tw.Append([]string{"State", st.State.String()})
	tw.Append([]string{"Address", st.Address})
	tw.Append([]string{"User", st.Username})
	if st.Uptime != "" {
		tw.Append([]string{"Uptime", st.Uptime})
	}
	if !st.LastPingAt.IsZero() {
		tw.Append([]string{"Last ping", st.LastPing.Round(time.Microsecond).String()})
	}
	tw.Append([]string{"Events received", strconv.FormatUint(st.EventsReceived, 10)})
	tw.Append([]string{"Debug", strconv.FormatBool(st.Debug)})
	if len(st.Handlers) > 0 {
		tw.Append([]string{"Handlers", strings.Join(st.Handlers, ", ")})
	}
	if st.LastError != "" {
		tw.Append([]string{"Last error", st.LastError})
	}
	tw.Render()
}

func (c *CLI) cmdPing(ctx context.Context) error {
	rtt, err := c.manager.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Pong in %s\n", rtt.Round(time.Microsecond))
	return nil
}

func (c *CLI) cmdAction(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: action <Name> [Key=Value...]")
	}
	params, err := ami.ParseParams(args[1:])
	if err != nil {
		return err
	}

	pkt, err := c.manager.Execute(ctx, args[0], params)
	if err != nil {
		return err
	}

	tw := c.table([]string{"Header", "Value"})
	for _, h := range pkt.Headers() {
		tw.Append([]string{h.Name, h.Value})
	}
	tw.Render()
	for _, line := range pkt.Data() {
		fmt.Fprintln(c.out, line)
	}
	return nil
}

func (c *CLI) cmdCommand(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: command <console command>")
	}
	out, err := c.manager.Command(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	for _, line := range out {
		fmt.Fprintln(c.out, line)
	}
	return nil
}

func (c *CLI) cmdEvents(args []string) error {
	if c.journal == nil {
		return fmt.Errorf("event journal is disabled")
	}

	limit, name := 20, ""
	for _, a := range args {
		if n, err := strconv.Atoi(a); err == nil {
			if n < 1 {
				return fmt.Errorf("invalid count: %s", a)
			}
			limit = n
			continue
		}
		name = a
	}

	entries, err := c.journal.Recent(limit, name)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "No events recorded")
		return nil
	}

	tw := c.table([]string{"Time", "Event", "Details"})
	for _, e := range entries {
		tw.Append([]string{
			e.ReceivedAt.Format("2006-01-02 15:04:05"),
			e.Name,
			summarize(e.Headers),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdDebug(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: debug on|off")
	}
	var on bool
	switch strings.ToLower(args[0]) {
	case "on", "true", "1":
		on = true
	case "off", "false", "0":
	default:
		return fmt.Errorf("usage: debug on|off")
	}
	c.manager.SetDebug(on)
	fmt.Fprintf(c.out, "Debug %s\n", map[bool]string{true: "enabled", false: "disabled"}[on])
	return nil
}

func (c *CLI) cmdReconnect(ctx context.Context) error {
	if err := c.manager.Reconnect(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Reconnected")
	return nil
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

// summarize renders headers other than Event as "k=v" pairs, sorted.
func summarize(headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		if !strings.EqualFold(k, ami.HeaderEvent) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+headers[k])
	}
	s := strings.Join(parts, " ")
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

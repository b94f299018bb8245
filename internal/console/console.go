// Package console implements the operator console. Lines are read on their
// own goroutine and executed by a reactor timer, so commands can use the
// socket core directly.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hercules-project/hercules/internal/access"
	"github.com/hercules-project/hercules/internal/events"
	"github.com/hercules-project/hercules/internal/link"
	"github.com/hercules-project/hercules/internal/socket"
	"github.com/hercules-project/hercules/internal/timer"
)

const (
	pollInterval = 100
	queueSize    = 32
)

// Console reads operator commands from in and writes replies to out.
type Console struct {
	core    *socket.Core
	timers  *timer.Manager
	emitter socket.Emitter
	out     io.Writer
	in      io.Reader

	// Link, when set, is reported by status.
	Link *link.Keeper
	// OnQuit runs on the reactor goroutine when quit is entered.
	OnQuit func()

	lines chan string
	tid   int

	logger zerolog.Logger
}

// New creates a console bound to core.
func New(core *socket.Core, timers *timer.Manager, emitter socket.Emitter, in io.Reader, out io.Writer) *Console {
	return &Console{
		core:    core,
		timers:  timers,
		emitter: emitter,
		in:      in,
		out:     out,
		lines:   make(chan string, queueSize),
		logger:  log.With().Str("component", "console").Logger(),
	}
}

// Start launches the input reader and registers the timer that executes
// queued lines.
func (c *Console) Start(ctx context.Context) {
	go c.readLoop(ctx)
	c.tid = c.timers.AddIntervalNamed("console_parse", c.timers.Gettick()+pollInterval,
		c.drain, 0, nil, pollInterval)
	fmt.Fprintln(c.out, "Hercules console ready. Type 'help' for available commands.")
}

// Stop removes the drain timer. The reader goroutine ends with its context
// or its input.
func (c *Console) Stop() {
	if c.tid != 0 {
		_ = c.timers.Delete(c.tid, nil)
		c.tid = 0
	}
}

func (c *Console) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case c.lines <- line:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("console input closed")
	}
}

func (c *Console) drain(tid int, tick int64, id int, data any) int {
	for {
		select {
		case line := <-c.lines:
			if err := c.Execute(line); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		default:
			return 0
		}
	}
}

// Execute runs one command line. Must be called on the reactor goroutine.
func (c *Console) Execute(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	c.logger.Debug().Str("command", cmd).Strs("args", args).Msg("console command")

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "sessions":
		c.printSessions()
	case "ddos":
		c.printDDoS()
	case "stats":
		c.printStats()
	case "kick":
		return c.cmdKick(args)
	case "ddos-reset":
		return c.cmdDDoSReset(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down...")
		if c.emitter != nil {
			c.emitter.Emit(context.Background(), events.Event{Type: events.EventShutdown, Source: "console"})
		}
		if c.OnQuit != nil {
			c.OnQuit()
		}
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  status            reactor and link summary")
	fmt.Fprintln(c.out, "  sessions          list open sessions")
	fmt.Fprintln(c.out, "  ddos              list the connection history")
	fmt.Fprintln(c.out, "  stats             I/O counters")
	fmt.Fprintln(c.out, "  kick <fd>         close a session")
	fmt.Fprintln(c.out, "  ddos-reset <ip>   forget an address")
	fmt.Fprintln(c.out, "  quit              shut the server down")
}

func (c *Console) printStatus() {
	sessions := c.core.Sessions()
	active := 0
	for _, s := range sessions {
		if !s.Listener {
			active++
		}
	}
	fmt.Fprintf(c.out, "  Poller:      %s\n", c.core.Poller().Name())
	fmt.Fprintf(c.out, "  Sessions:    %d/%d\n", active, c.core.Capacity())
	fmt.Fprintf(c.out, "  Stall time:  %ds\n", c.core.StallTime())
	fmt.Fprintf(c.out, "  DDoS table:  %d entries, %d flagged\n", c.core.History().Len(), len(c.core.History().Flagged()))
	if c.Link != nil {
		st := c.Link.Status()
		state := "down"
		if st.Connected {
			state = fmt.Sprintf("up (fd %d)", st.FD)
		}
		fmt.Fprintf(c.out, "  Link %s:  %s %s\n", st.Name, st.Address, state)
	}
}

func (c *Console) printSessions() {
	tw := newTable(c.out, "FD", "IP", "Kind", "Flags", "Read", "Write", "Idle", "Age")
	now := time.Now()
	for _, s := range c.core.Sessions() {
		kind := "client"
		switch {
		case s.Listener:
			kind = "listener"
		case s.Flags.Server:
			kind = "server"
		}
		idle := "-"
		if s.RDataTick != 0 {
			idle = fmt.Sprintf("%ds", c.core.LastTick()-s.RDataTick)
		}
		tw.Append([]string{
			strconv.Itoa(s.FD),
			s.IP,
			kind,
			flagString(s.Flags),
			fmt.Sprintf("%d/%d", s.RData, s.MaxRData),
			fmt.Sprintf("%d/%d", s.WData, s.MaxWData),
			idle,
			now.Sub(s.Created).Truncate(time.Second).String(),
		})
	}
	tw.Render()
}

func (c *Console) printDDoS() {
	tw := newTable(c.out, "IP", "Count", "Last Tick", "Flagged")
	for _, r := range c.core.History().Records() {
		tw.Append([]string{r.Addr, strconv.Itoa(r.Count), strconv.FormatInt(r.Tick, 10), strconv.FormatBool(r.DDoS)})
	}
	tw.Render()
}

func (c *Console) printStats() {
	snap := c.core.Snapshot()
	fmt.Fprintln(c.out, snap.String())
	tw := newTable(c.out, "Counter", "Value")
	tw.AppendBulk([][]string{
		{"total in (bytes)", strconv.FormatInt(snap.TotalIn, 10)},
		{"total out (bytes)", strconv.FormatInt(snap.TotalOut, 10)},
		{"accepted", strconv.FormatInt(snap.Accepted, 10)},
		{"rejected", strconv.FormatInt(snap.Rejected, 10)},
		{"timed out", strconv.FormatInt(snap.TimedOut, 10)},
	})
	tw.Render()
}

func (c *Console) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <fd>")
	}
	fd, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid fd: %s", args[0])
	}
	if !c.core.Kick(fd) {
		return fmt.Errorf("no open session on fd %d", fd)
	}
	fmt.Fprintf(c.out, "Session %d will be closed\n", fd)
	return nil
}

func (c *Console) cmdDDoSReset(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ddos-reset <ip>")
	}
	ip := access.Str2IP(args[0])
	if ip == 0 {
		return fmt.Errorf("invalid address: %s", args[0])
	}
	if !c.core.ResetDDoS(ip) {
		return fmt.Errorf("%s has no connection history", args[0])
	}
	fmt.Fprintf(c.out, "Connection history of %s cleared\n", args[0])
	return nil
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func flagString(f socket.Flags) string {
	var parts []string
	if f.EOF {
		parts = append(parts, "eof")
	}
	if f.Server {
		parts = append(parts, "server")
	}
	if f.Ping != socket.PingIdle {
		parts = append(parts, "ping="+strconv.Itoa(int(f.Ping)))
	}
	if f.Validate {
		parts = append(parts, "validate")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

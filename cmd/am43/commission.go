package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/am43/internal/commission"
	"golang.org/x/term"
)

var commissionCmd = &cobra.Command{
	Use:   "commission",
	Short: "Pair and configure AM43 motors",
	Long: `Start a commissioning session: scan for motors, connect by list index,
authenticate with the passcode, rename, calibrate the open and closed limits
and jog the motor. Allow-list changes are written back to the config file.

With --json the session reads one request per line from stdin, for example

  {"id": 1, "path": "/scan_for_devices", "payload": {"scan_time": 5000}}

and writes responses and push events as JSON lines to stdout.`,
	Args: cobra.NoArgs,
	RunE: runCommission,
}

var commissionJSON bool

func init() {
	commissionCmd.Flags().BoolVar(&commissionJSON, "json", false, "Use the JSON line protocol on stdin/stdout")
}

func runCommission(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	adapter := newAdapter(logger)
	defer closeAdapter(adapter, logger)

	opts := commission.Options{CommandSpacing: cfg.CommandSpacing, ConnectTimeout: cfg.ConnectTimeout}

	if commissionJSON || !term.IsTerminal(int(os.Stdin.Fd())) {
		stream := commission.NewStream(cmd.OutOrStdout())
		session := commission.NewSession(adapter, cfg, opts, logger, stream.Emit)
		defer session.Close()
		return commission.NewDispatcher(session).Serve(ctx, cmd.InOrStdin(), stream)
	}

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to enter raw terminal mode: %w", err)
	}
	defer func() { _ = term.Restore(int(os.Stdin.Fd()), oldState) }()

	terminal := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "am43> ")
	logger.SetOutput(terminal)

	sh := newShell(terminal)
	session := commission.NewSession(adapter, cfg, opts, logger, sh.printEvent)
	defer session.Close()
	sh.dispatcher = commission.NewDispatcher(session)

	return sh.run(ctx, terminal)
}

// shell maps typed commands onto dispatcher requests
type shell struct {
	out        io.Writer
	dispatcher *commission.Dispatcher

	event  *color.Color
	result *color.Color
	failed *color.Color
}

func newShell(out io.Writer) *shell {
	return &shell{
		out:    out,
		event:  color.New(color.FgCyan),
		result: color.New(color.FgGreen),
		failed: color.New(color.FgRed),
	}
}

const shellHelp = `Commands:
  scan [ms]                   scan for motors (default 5000 ms)
  list                        show discovered motors
  connect <n>                 connect to motor n
  auth <n> <passcode>         authenticate with the 4-digit passcode
  rename <n> <name>           rename motor n
  limit <n> <open|close> <set|save|cancel>
                              calibrate a travel limit
  move <n> <open|close|stop>  send a move command
  jog <n> <open|close>        move until release
  release <n>                 stop a jog
  allow <n> | disallow <n>    edit allowed_devices in the config file
  reset                       restart the Bluetooth adapter
  help | quit`

var errQuit = errors.New("quit")

func (sh *shell) run(ctx context.Context, terminal *term.Terminal) error {
	fmt.Fprintln(sh.out, "AM43 commissioning. Type 'help' for commands.")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := terminal.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sh.exec(ctx, line); errors.Is(err, errQuit) {
			return nil
		}
	}
}

// exec runs one command line; errors other than errQuit are printed
func (sh *shell) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "quit", "exit":
		return errQuit
	case "help", "?":
		fmt.Fprintln(sh.out, shellHelp)
		return nil
	}

	path, payload, err := parseShellCommand(fields)
	if err != nil {
		sh.failed.Fprintf(sh.out, "%s\n", err)
		return err
	}
	result, err := sh.dispatcher.Handle(ctx, path, payload)
	if err != nil {
		sh.failed.Fprintf(sh.out, "%s\n", FormatUserError(err))
		return err
	}
	if result != nil {
		data, _ := json.MarshalIndent(result, "", "  ")
		sh.result.Fprintf(sh.out, "%s\n", data)
	}
	return nil
}

func (sh *shell) printEvent(ev commission.Event) {
	if ev.Data == nil {
		sh.event.Fprintf(sh.out, "event %s\n", ev.Name)
		return
	}
	data, _ := json.Marshal(ev.Data)
	sh.event.Fprintf(sh.out, "event %s %s\n", ev.Name, data)
}

// parseShellCommand converts shell words to a request path and JSON payload
func parseShellCommand(fields []string) (string, json.RawMessage, error) {
	need := func(n int, usage string) error {
		if len(fields) < n+1 {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}
	index := func() (int, error) {
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid device index %q", fields[1])
		}
		return n, nil
	}
	encode := func(path string, payload map[string]any) (string, json.RawMessage, error) {
		data, err := json.Marshal(payload)
		return path, data, err
	}

	cmd := fields[0]
	payload := map[string]any{}
	switch cmd {
	case "scan":
		if len(fields) > 1 {
			ms, err := strconv.Atoi(fields[1])
			if err != nil || ms <= 0 {
				return "", nil, fmt.Errorf("invalid scan time %q", fields[1])
			}
			payload["scan_time"] = ms
		}
		return encode(commission.PathScan, payload)
	case "list":
		return encode(commission.PathListDevice, payload)
	case "reset":
		return encode(commission.PathReset, payload)
	}

	usage := map[string]struct {
		args  int
		usage string
	}{
		"connect":  {1, "connect <n>"},
		"auth":     {2, "auth <n> <passcode>"},
		"rename":   {2, "rename <n> <name>"},
		"limit":    {3, "limit <n> <open|close> <set|save|cancel>"},
		"move":     {2, "move <n> <open|close|stop>"},
		"jog":      {2, "jog <n> <open|close>"},
		"release":  {1, "release <n>"},
		"allow":    {1, "allow <n>"},
		"disallow": {1, "disallow <n>"},
	}
	u, ok := usage[cmd]
	if !ok {
		return "", nil, fmt.Errorf("unknown command %q, type 'help'", cmd)
	}
	if err := need(u.args, u.usage); err != nil {
		return "", nil, err
	}
	n, err := index()
	if err != nil {
		return "", nil, err
	}
	payload["device_id"] = n

	switch cmd {
	case "connect":
		return encode(commission.PathConnect, payload)
	case "auth":
		payload["passcode"] = fields[2]
		return encode(commission.PathAuth, payload)
	case "rename":
		payload["new_name"] = strings.Join(fields[2:], " ")
		return encode(commission.PathRename, payload)
	case "limit":
		payload["edge"] = fields[2]
		payload["phase"] = strings.ToUpper(fields[3])
		return encode(commission.PathAdjust, payload)
	case "move":
		payload["command"] = strings.ToUpper(fields[2])
		return encode(commission.PathMove, payload)
	case "jog":
		payload["command"] = strings.ToUpper(fields[2])
		payload["pressed"] = true
		return encode(commission.PathJog, payload)
	case "release":
		payload["pressed"] = false
		return encode(commission.PathJog, payload)
	case "allow":
		return encode(commission.PathAllow, payload)
	default:
		return encode(commission.PathDisallow, payload)
	}
}

package scopestream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Command is one parsed console command, ready to run in the control context.
// A Command with no action is a request for help.
type Command struct {
	Line  string
	apply func(c *Coordinator) error
}

const consoleUsage = `commands:
  set samplerate <Hz>
  set sampleslimit <samples>
  set running <0|1>
  set triggermode <0=none|1=rising|2=falling>
  set triggerlevel <volts>
  set triggerchannel <channel>
  set skip <samples>
  set vdivs <count>
  set coupling <group> <DC|AC>
  set voltsperdiv <group> <volts> <div>
  show
  help`

// MaxChannels bounds the channel numbers accepted by the console.
const MaxChannels = 1 << 16

// MaxCommandLength bounds a console line. Longer lines are rejected whole.
const MaxCommandLength = 4096

func parseUint(word, what string) (uint64, error) {
	v, err := strconv.ParseUint(word, 0, 64)
	if err != nil {
		return 0, commandErrorf("%s %q is not a non-negative integer", what, word)
	}
	return v, nil
}

// ParseCommand tokenizes one console line. It returns (nil, nil) for a blank
// line. Integers may carry a base prefix (0x, 0o, 0b).
func ParseCommand(line string) (*Command, error) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil, nil
	}
	cmd := &Command{Line: strings.Join(words, " ")}
	switch words[0] {
	case "help":
		return cmd, nil
	case "show":
		if len(words) != 1 {
			return nil, commandErrorf("show takes no arguments")
		}
		cmd.apply = func(*Coordinator) error { return nil }
		return cmd, nil
	case "set":
	default:
		return nil, commandErrorf("command %q not valid (try help)", words[0])
	}
	if len(words) < 2 {
		return nil, commandErrorf("set what? (try help)")
	}

	nargs := map[string]int{
		"samplerate": 1, "sampleslimit": 1, "running": 1, "triggermode": 1,
		"triggerlevel": 1, "triggerchannel": 1, "skip": 1, "vdivs": 1,
		"coupling": 2, "voltsperdiv": 3,
	}
	param := words[1]
	want, ok := nargs[param]
	if !ok {
		return nil, commandErrorf("set %q not valid (try help)", param)
	}
	args := words[2:]
	if len(args) != want {
		return nil, commandErrorf("set %s takes %d argument(s), have %d", param, want, len(args))
	}

	switch param {
	case "triggerlevel":
		level, err := strconv.ParseFloat(args[0], 32)
		if err != nil || math.IsNaN(level) || math.IsInf(level, 0) {
			return nil, commandErrorf("trigger level %q is not a number", args[0])
		}
		cmd.apply = func(c *Coordinator) error { return c.SetTriggerLevel(float32(level)) }
		return cmd, nil

	case "coupling":
		group, err := parseUint(args[0], "channel group")
		if err != nil {
			return nil, err
		}
		coupling := Coupling(args[1])
		if coupling != CouplingDC && coupling != CouplingAC {
			return nil, commandErrorf("coupling %q is not DC or AC", args[1])
		}
		cmd.apply = func(c *Coordinator) error { return c.SetCoupling(group, coupling) }
		return cmd, nil
	}

	nums := make([]uint64, len(args))
	for i, a := range args {
		v, err := parseUint(a, param)
		if err != nil {
			return nil, err
		}
		nums[i] = v
	}
	v := nums[0]
	switch param {
	case "samplerate":
		cmd.apply = func(c *Coordinator) error { return c.SetSampleRate(v) }
	case "sampleslimit":
		cmd.apply = func(c *Coordinator) error { return c.SetSamplesLimit(v) }
	case "running":
		cmd.apply = func(c *Coordinator) error { return c.SetRunning(v != 0) }
	case "triggermode":
		mode := TriggerMode(v)
		if v > uint64(TriggerFalling) {
			return nil, commandErrorf("trigger mode %d is not 0 (none), 1 (rising) or 2 (falling)", v)
		}
		cmd.apply = func(c *Coordinator) error { return c.SetTriggerMode(mode) }
	case "triggerchannel":
		if v > uint64(MaxChannels) {
			return nil, commandErrorf("trigger channel %d is out of range", v)
		}
		cmd.apply = func(c *Coordinator) error { return c.SetTriggerChannel(int(v)) }
	case "skip":
		if v > math.MaxInt32 {
			return nil, commandErrorf("skip %d is out of range", v)
		}
		cmd.apply = func(c *Coordinator) error { return c.SetSkip(int(v)) }
	case "vdivs":
		cmd.apply = func(c *Coordinator) error { return c.SetVdivs(v) }
	case "voltsperdiv":
		cmd.apply = func(c *Coordinator) error { return c.SetVoltsPerDiv(v, nums[1], nums[2]) }
	}
	return cmd, nil
}

// Console reads commands, one per line, and submits them to a ControlLoop.
type Console struct {
	loop *ControlLoop
	out  io.Writer // state printed by "show"
	errs io.Writer // rejected commands
}

// NewConsole creates a console that submits commands to loop.
func NewConsole(loop *ControlLoop, out, errs io.Writer) *Console {
	return &Console{loop: loop, out: out, errs: errs}
}

// Execute parses and runs one line. Rejected commands are reported on the
// error writer and the ProblemLogger, and change nothing. Only a fatal error
// (or the loop having stopped) is returned.
func (con *Console) Execute(ctx context.Context, line string) error {
	cmd, err := ParseCommand(line)
	if err != nil {
		con.reject(line, err)
		return nil
	}
	if cmd == nil {
		return nil
	}
	if cmd.apply == nil {
		fmt.Fprintln(con.out, consoleUsage)
		return nil
	}
	var state AcquisitionState
	err = con.loop.Do(ctx, func() error {
		if err := cmd.apply(con.loop.coord); err != nil {
			return err
		}
		state = con.loop.coord.State()
		return nil
	})
	switch {
	case err == nil:
		if cmd.Line == "show" {
			if b, err := json.MarshalIndent(state, "", "  "); err == nil {
				fmt.Fprintf(con.out, "%s\n", b)
			}
		}
		return nil
	case IsFatal(err), errors.Is(err, ErrLoopStopped), ctx.Err() != nil:
		return err
	default:
		con.reject(line, err)
		return nil
	}
}

func (con *Console) reject(line string, err error) {
	fmt.Fprintf(con.errs, "Command not valid: %v\n", err)
	ProblemLogger.Printf("console command %q rejected: %v", strings.TrimSpace(line), err)
}

// Run executes every line of r until EOF, ctx is done, or a fatal error.
// Reaching EOF returns nil and leaves the pipeline as it is.
func (con *Console) Run(ctx context.Context, r io.Reader) error {
	reader := bufio.NewReaderSize(r, MaxCommandLength)
	for {
		line, err := readCommandLine(reader)
		if err == io.EOF {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		var ce *CommandError
		if errors.As(err, &ce) {
			con.reject(line, err)
			continue
		}
		if err != nil {
			return err
		}
		if err := con.Execute(ctx, line); err != nil {
			if errors.Is(err, ErrLoopStopped) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// readCommandLine returns the next line of r without its line ending. A line
// that does not fit in r's buffer is consumed entirely and reported as a
// CommandError along with its first few bytes.
func readCommandLine(r *bufio.Reader) (string, error) {
	data, isPrefix, err := r.ReadLine()
	if err != nil {
		return "", err
	}
	if !isPrefix {
		return string(data), nil
	}
	const shown = 32
	head := string(data[:shown]) + "..."
	for isPrefix && err == nil {
		_, isPrefix, err = r.ReadLine()
	}
	if err != nil && err != io.EOF {
		return "", err
	}
	return head, commandErrorf("command is longer than %d bytes", MaxCommandLength-1)
}

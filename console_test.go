package scopestream

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	good := []string{
		"set samplerate 100000",
		"set samplerate 0x186a0",
		"set sampleslimit 0b1000000000",
		"set running 1",
		"set running 0",
		"set triggermode 2",
		"set triggerlevel -0.25",
		"set triggerlevel 1e-3",
		"set triggerchannel 1",
		"set skip 0o17",
		"set vdivs 8",
		"set coupling 1 AC",
		"set voltsperdiv 0 100 1000",
		"  set   skip   3  ",
		"show",
		"help",
	}
	for _, line := range good {
		cmd, err := ParseCommand(line)
		if err != nil {
			t.Errorf("ParseCommand(%q) error %v", line, err)
		} else if cmd == nil {
			t.Errorf("ParseCommand(%q) returned no command", line)
		}
	}

	bad := []string{
		"get samplerate 1",
		"set",
		"set colour 1",
		"set samplerate",
		"set samplerate fast",
		"set samplerate -1",
		"set samplerate 1 2",
		"set triggermode 3",
		"set triggerlevel high",
		"set triggerlevel nan",
		"set triggerlevel Inf",
		"set triggerlevel -inf",
		"set triggerlevel 1e40",
		"set coupling 0 GND",
		"set coupling x AC",
		"set voltsperdiv 0 100",
		"set skip 1.5",
		"show all",
	}
	for _, line := range bad {
		cmd, err := ParseCommand(line)
		var ce *CommandError
		if !assert.ErrorAs(t, err, &ce, line) {
			continue
		}
		assert.Nil(t, cmd, line)
	}

	cmd, err := ParseCommand("   ")
	assert.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestConsoleAppliesCommands(t *testing.T) {
	p := newPipeline(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- p.loop.Run(ctx) }()

	var out, errs bytes.Buffer
	con := NewConsole(p.loop, &out, &errs)
	input := strings.Join([]string{
		"set triggermode 1",
		"set triggerlevel 0.5",
		"set triggerchannel 1",
		"set skip 0x10",
		"set triggermode 9",
		"frobnicate",
		"set coupling 5 AC",
		"set vdivs 8",
		"show",
	}, "\n")
	require.NoError(t, con.Run(ctx, strings.NewReader(input)))

	var state AcquisitionState
	require.NoError(t, p.loop.Do(ctx, func() error {
		state = p.coord.State()
		return nil
	}))
	assert.Equal(t, TriggerState{Mode: TriggerRising, Level: 0.5, Channel: 1, Skip: 16}, state.Trigger)
	assert.Equal(t, uint64(8), state.NumVdivs)
	assert.Equal(t, 3, strings.Count(errs.String(), "Command not valid"), errs.String())
	assert.Contains(t, out.String(), `"NumVdivs": 8`)

	// EOF on the console leaves the loop running.
	select {
	case err := <-result:
		t.Fatalf("control loop ended after console EOF: %v", err)
	default:
	}
	cancel()
	assert.NoError(t, <-result)
}

func TestConsoleSurvivesLongLine(t *testing.T) {
	p := newPipeline(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- p.loop.Run(ctx) }()

	var out, errs bytes.Buffer
	con := NewConsole(p.loop, &out, &errs)
	input := "set skip " + strings.Repeat("9", 70000) + "\nset vdivs 8\n" +
		strings.Repeat("x", MaxCommandLength) // unterminated at EOF
	require.NoError(t, con.Run(ctx, strings.NewReader(input)))

	var state AcquisitionState
	require.NoError(t, p.loop.Do(ctx, func() error {
		state = p.coord.State()
		return nil
	}))
	assert.Equal(t, uint64(8), state.NumVdivs, "the command after the long line is applied")
	assert.Equal(t, 0, state.Trigger.Skip)
	assert.Equal(t, 2, strings.Count(errs.String(), "Command not valid"), errs.String())
	assert.Contains(t, errs.String(), "longer than")
	cancel()
	assert.NoError(t, <-result)
}

func TestReadCommandLine(t *testing.T) {
	fits := strings.Repeat("a", MaxCommandLength-1)
	r := bufio.NewReaderSize(strings.NewReader(fits+"\n"+fits+"b\nlast"), MaxCommandLength)

	line, err := readCommandLine(r)
	require.NoError(t, err)
	assert.Equal(t, fits, line)

	line, err = readCommandLine(r)
	var ce *CommandError
	assert.ErrorAs(t, err, &ce)
	assert.True(t, strings.HasSuffix(line, "..."))
	assert.Less(t, len(line), 64)

	line, err = readCommandLine(r)
	require.NoError(t, err)
	assert.Equal(t, "last", line)

	_, err = readCommandLine(r)
	assert.Equal(t, io.EOF, err)
}

func TestConsoleHelp(t *testing.T) {
	p := newPipeline(t, 10)
	var out, errs bytes.Buffer
	con := NewConsole(p.loop, &out, &errs)
	require.NoError(t, con.Execute(context.Background(), "help"))
	assert.Contains(t, out.String(), "set voltsperdiv")
	assert.Empty(t, errs.String())
}

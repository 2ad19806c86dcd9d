package operator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"

	"github.com/jabolina/gridvm/pkg/gridvm/core"
	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

var (
	info  = color.New(color.FgYellow)
	ok    = color.New(color.FgGreen)
	bad   = color.New(color.FgRed)
	title = color.New(color.FgCyan)
)

// Shell is the interactive REPL around a Node, grounded on the original
// implementation's shell.py: a colored prompt, one command per line, a
// checkmark/cross after every command (spec §7).
type Shell struct {
	node   *core.Node
	out    io.Writer
	cancel context.CancelFunc
}

// NewShell builds a shell around an already-running node; cancel stops the
// node's Run goroutines when the shell exits.
func NewShell(node *core.Node, out io.Writer, cancel context.CancelFunc) *Shell {
	return &Shell{node: node, out: out, cancel: cancel}
}

// RunREPL reads commands from in until EOF, "exit" or "shutdown". ctx is
// passed to the commands it runs; cancelling it does not end the loop or
// interrupt a pending read.
func (s *Shell) RunREPL(ctx context.Context, in io.Reader) error {
	title.Fprintf(s.out, "GridVM shell — runtime %s\n", s.node.ID)
	info.Fprintln(s.out, "Try 'help' for commands")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "~> ")
		if !scanner.Scan() {
			return scanner.Err()
		}

		cmd, err := Parse(scanner.Text())
		if err != nil {
			bad.Fprintln(s.out, err)
			continue
		}
		if cmd == nil {
			continue
		}

		done, err := s.execute(ctx, cmd)
		if err != nil {
			bad.Fprintln(s.out, err)
			continue
		}
		ok.Fprintln(s.out, "✓")
		if done {
			return nil
		}
	}
}

// execute runs one command, returning done=true when the shell should exit.
func (s *Shell) execute(ctx context.Context, cmd Command) (bool, error) {
	switch c := cmd.(type) {
	case This:
		info.Fprintf(s.out, "My id is: %s\n", s.node.ID)
		return false, nil

	case ListRuntimes:
		peers := s.node.Net.Peers()
		ids := make([]string, 0, len(peers)+1)
		ids = append(ids, fmt.Sprintf("%s >>ME<<", s.node.ID))
		for id, addr := range peers {
			ids = append(ids, fmt.Sprintf("%s @ %s", id, addr))
		}
		sort.Strings(ids)
		for i, line := range ids {
			info.Fprintf(s.out, "Runtime %d: %s\n", i, line)
		}
		return false, nil

	case ListPrograms:
		snapshot := s.node.Runtime.Snapshot()
		byProgram := map[types.ProgramID][]string{}
		for uid, status := range snapshot {
			byProgram[uid.ProgramID] = append(byProgram[uid.ProgramID], fmt.Sprintf("%d: %s", uid.ThreadID, status))
		}
		programIDs := make([]string, 0, len(byProgram))
		for pid := range byProgram {
			programIDs = append(programIDs, string(pid))
		}
		sort.Strings(programIDs)
		for _, pid := range programIDs {
			info.Fprintf(s.out, "Program %s:\n", pid)
			threads := byProgram[types.ProgramID(pid)]
			sort.Strings(threads)
			for _, t := range threads {
				info.Fprintf(s.out, "  %s\n", t)
			}
		}
		return false, nil

	case Migrate:
		thread := types.ThreadUID{ProgramID: c.ProgramID, ThreadID: c.ThreadID}
		if err := s.node.Migrate(ctx, thread, c.Dest); err != nil {
			return false, err
		}
		return false, nil

	case Shutdown:
		if err := s.node.Shutdown(ctx); err != nil {
			bad.Fprintf(s.out, "shutdown sequence did not complete cleanly: %v\n", err)
		}
		s.cancel()
		return true, nil

	case Exit:
		s.cancel()
		return true, nil

	case Help:
		for _, d := range descriptions {
			info.Fprintf(s.out, "%-14s %-32s %s\n", d.name, d.usage, d.about)
		}
		return false, nil

	default:
		return false, fmt.Errorf("gridvm/operator: unhandled command %T", c)
	}
}

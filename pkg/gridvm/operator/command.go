// Package operator implements the interactive shell an operator uses to
// inspect and steer a running GridVM node (spec §7).
package operator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

// Command is the sum type of every shell command the REPL understands.
type Command interface {
	command()
}

// ListRuntimes prints every runtime this node has discovered.
type ListRuntimes struct{}

func (ListRuntimes) command() {}

// ListPrograms prints every program and thread hosted locally.
type ListPrograms struct{}

func (ListPrograms) command() {}

// Migrate moves one thread to another runtime.
type Migrate struct {
	ProgramID types.ProgramID
	ThreadID  types.ThreadID
	Dest      types.RuntimeID
}

func (Migrate) command() {}

// Shutdown stops this node.
type Shutdown struct{}

func (Shutdown) command() {}

// This prints the local runtime's own identity.
type This struct{}

func (This) command() {}

// Exit shuts the node down and ends the shell.
type Exit struct{}

func (Exit) command() {}

// Help lists every available command.
type Help struct{}

func (Help) command() {}

// ErrUnknownCommand is returned by Parse for anything not in the table.
var ErrUnknownCommand = fmt.Errorf("gridvm/operator: unknown command")

// Parse turns one line of shell input into a Command (spec §7's
// list_runtimes / list_programs / migrate / shutdown / this / exit).
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}

	name, args := fields[0], fields[1:]
	switch name {
	case "list_runtimes":
		return ListRuntimes{}, nil
	case "list_programs":
		return ListPrograms{}, nil
	case "this":
		return This{}, nil
	case "shutdown":
		return Shutdown{}, nil
	case "exit":
		return Exit{}, nil
	case "help":
		return Help{}, nil
	case "migrate":
		if len(args) != 3 {
			return nil, fmt.Errorf("gridvm/operator: migrate requires program_id thread_id runtime_id")
		}
		threadID, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("gridvm/operator: bad thread_id %q: %w", args[1], err)
		}
		return Migrate{
			ProgramID: types.ProgramID(args[0]),
			ThreadID:  types.ThreadID(threadID),
			Dest:      types.RuntimeID(args[2]),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

var descriptions = []struct {
	name, usage, about string
}{
	{"this", "", "Print this runtime's id"},
	{"list_runtimes", "", "List all discovered runtimes"},
	{"list_programs", "", "List programs and threads hosted on this runtime"},
	{"migrate", "program_id thread_id runtime_id", "Migrate a thread to another runtime"},
	{"shutdown", "", "Shut this runtime down"},
	{"exit", "", "Exit the shell"},
	{"help", "", "Show this message"},
}

// Command gridvm starts a GridVM runtime and drops into the operator shell
// (spec §7), grounded on the original implementation's shell.py entrypoint:
// `gridvm shell <interface> [program.mtss ...]`.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/jabolina/gridvm/pkg/gridvm/core"
	"github.com/jabolina/gridvm/pkg/gridvm/definition"
	"github.com/jabolina/gridvm/pkg/gridvm/operator"
)

var (
	app = kingpin.New("gridvm", "A distributed virtual machine for SimpleScript programs.")

	shellCmd       = app.Command("shell", "Start a runtime and open the operator shell.").Default()
	shellInterface = shellCmd.Arg("interface", "Network interface to advertise (default: autodetect).").Default("").String()
	shellPrograms  = shellCmd.Arg("program", ".mtss program descriptors to load at startup.").Strings()
	shellDebug     = shellCmd.Flag("debug", "Enable debug logging.").Bool()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := definition.NewDefaultLogger("gridvm", nil)
	logger.ToggleDebug(*shellDebug)

	switch command {
	case shellCmd.FullCommand():
		if err := runShell(logger); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

func runShell(logger *definition.DefaultLogger) error {
	cfg := definition.DefaultConfig()
	cfg.Interface = *shellInterface

	node, err := core.NewNode(cfg, logger)
	if err != nil {
		return fmt.Errorf("gridvm: create node: %w", err)
	}

	for _, path := range *shellPrograms {
		if _, err := node.LoadProgram(path); err != nil {
			return fmt.Errorf("gridvm: load program %s: %w", path, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- node.Run(runCtx)
	}()

	shell := operator.NewShell(node, os.Stdout, cancel)
	shellErr := shell.RunREPL(runCtx, os.Stdin)
	cancel()

	if runErr := <-errCh; runErr != nil {
		return runErr
	}
	return shellErr
}

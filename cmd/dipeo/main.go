package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sorryhyun/DiPeO-sub011/common/bootstrap"
	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/handlers"
)

// dipeo runs a diagram from the command line:
//
//	dipeo run diagram.json --var name=world --debug
func main() {
	if len(os.Args) < 2 || os.Args[1] != "run" {
		fmt.Fprintln(os.Stderr, "usage: dipeo run <diagram.json> [--var key=value] [--debug] [--continue-on-error]")
		os.Exit(2)
	}

	flags := flag.NewFlagSet("run", flag.ExitOnError)
	var vars varFlag
	flags.Var(&vars, "var", "run variable as key=value, repeatable")
	debug := flags.Bool("debug", false, "include values in event output")
	continueOnError := flags.Bool("continue-on-error", false, "keep running after a node failure")
	quiet := flags.Bool("quiet", false, "print only the final result")

	if err := flags.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}
	if flags.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "dipeo run: a diagram file is required")
		os.Exit(2)
	}
	path := flags.Arg(0)

	ctx := context.Background()
	components, err := bootstrap.Setup(ctx, "dipeo", bootstrap.WithoutDB(), bootstrap.WithoutRedis())
	if err != nil {
		fmt.Fprintf(os.Stderr, "dipeo: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown()

	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dipeo: %v\n", err)
		os.Exit(1)
	}
	d, err := diagram.Parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dipeo: %v\n", err)
		os.Exit(1)
	}

	subRunner := handlers.SubRunnerFunc(func(ctx context.Context, name string, variables map[string]any) (*engine.Result, error) {
		data, err := components.Files.ReadDiagram(name)
		if err != nil {
			return nil, err
		}
		child, err := diagram.Parse(data)
		if err != nil {
			return nil, err
		}
		eng := engine.New(components.Config.Execution,
			handlers.NewDefaultRegistry(components.Logger),
			handlers.BuildServices(components.Config, components.Logger, components.LLM, components.Keys, components.Files, nil),
			engine.NopSink{}, components.Logger)
		return eng.Run(ctx, child, engine.RunOptions{Variables: variables})
	})

	services := handlers.BuildServices(components.Config, components.Logger,
		components.LLM, components.Keys, components.Files, subRunner)
	registry := handlers.NewDefaultRegistry(components.Logger)

	var sink engine.Sink = engine.NopSink{}
	if !*quiet {
		sink = consoleSink()
	}

	eng := engine.New(components.Config.Execution, registry, services, sink, components.Logger)
	result, err := eng.Run(ctx, d, engine.RunOptions{
		Variables:       vars.values,
		DebugMode:       *debug,
		ContinueOnError: *continueOnError,
		Interactive:     promptOnStdin(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dipeo: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "dipeo: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

// consoleSink prints each event as a one-line progress update
func consoleSink() engine.Sink {
	return engine.SinkFunc(func(_ context.Context, event engine.Event) {
		switch event.Type {
		case engine.EventNodeStart:
			fmt.Fprintf(os.Stderr, "▶ %s\n", event.NodeID)
		case engine.EventNodeComplete:
			fmt.Fprintf(os.Stderr, "✓ %s\n", event.NodeID)
		case engine.EventNodeSkipped:
			fmt.Fprintf(os.Stderr, "- %s (%v)\n", event.NodeID, event.Data["reason"])
		case engine.EventNodeError:
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", event.NodeID, event.Data["error"])
		case engine.EventExecutionFailed:
			fmt.Fprintf(os.Stderr, "execution failed: %v\n", event.Data["error"])
		}
	})
}

// promptOnStdin answers user_response nodes from the terminal
func promptOnStdin() engine.InteractiveHandler {
	reader := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, nodeID, prompt string, _ map[string]any) (string, error) {
		fmt.Fprintf(os.Stderr, "%s\n> ", prompt)
		answer, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("reading response for %s: %w", nodeID, err)
		}
		return strings.TrimSpace(answer), nil
	}
}

// varFlag collects repeated --var key=value flags
type varFlag struct {
	values map[string]any
}

func (v *varFlag) String() string { return fmt.Sprintf("%v", v.values) }

func (v *varFlag) Set(raw string) error {
	key, value, found := strings.Cut(raw, "=")
	if !found || key == "" {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	if v.values == nil {
		v.values = make(map[string]any)
	}
	v.values[key] = value
	return nil
}

// Package main provides the parley CLI.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parleyops/parley"
	"github.com/parleyops/parley/basic"
	"github.com/parleyops/parley/llm"
)

var (
	version = "dev"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		runCmd(args)
	case "check":
		checkCmd(args)
	case "serve":
		serveCmd(args)
	case "version":
		fmt.Printf("parley %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Parley - conversational bot scripting runtime

Usage:
  parley <command> [options]

Commands:
  run       Run a script interactively on the console
  check     Compile a script and report errors and tool schemas
  serve     Start the HTTP server, scheduler and channels
  version   Print version information
  help      Show this help message

Examples:
  parley run greeter.bas
  parley check bots/support/check_order.bas
  parley serve --bots ./bots --addr :3001

Run 'parley <command> --help' for more information on a command.`)
}

// requireAPIKey exits when no Anthropic key is configured and a
// command needs one.
func requireAPIKey() {
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		fmt.Fprintln(os.Stderr, "Error: ANTHROPIC_API_KEY is not set")
		os.Exit(1)
	}
}

func scriptName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// runCmd compiles one script and runs it as a console conversation:
// script output goes to stdout, HEAR reads the next input line.
func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	user := fs.String("user", "console", "User ID for the session")

	fs.Usage = func() {
		fmt.Println(`Usage: parley run <script.bas> [options]

Run a script interactively on the console.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: no script specified")
		fs.Usage()
		os.Exit(1)
	}

	file := fs.Arg(0)
	source, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", file, err)
		os.Exit(1)
	}

	name := scriptName(file)
	rt := basic.NewRuntime(basic.WithLLM(llm.New()))
	cfg := parley.BotConfig{Name: name, Main: name}
	if _, err := rt.AddBot(cfg, map[string]string{name: string(source)}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	out := func(text string) { fmt.Println(text) }

	scanner := bufio.NewScanner(os.Stdin)
	text := ""
	for {
		if err := rt.HandleTurn(ctx, name, *user, text, out); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !scanner.Scan() {
			return
		}
		text = scanner.Text()
		if sess, ok := rt.Session(name, *user); ok && sess.Ended() {
			return
		}
	}
}

// checkCmd compiles a script without running it and prints what it
// declares: webhooks, schedules and the tool schema if present.
func checkCmd(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println(`Usage: parley check <script.bas> [...]

Compile scripts and report errors, declared triggers and tool schemas.`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: no script specified")
		fs.Usage()
		os.Exit(1)
	}

	failed := false
	for _, file := range fs.Args() {
		source, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", file, err)
			failed = true
			continue
		}

		prog, err := basic.Compile(scriptName(file), string(source))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", file, err)
			failed = true
			continue
		}

		fmt.Printf("%s: OK\n", file)
		for _, wh := range prog.Webhooks {
			fmt.Printf("  webhook %q\n", wh)
		}
		for _, sched := range prog.Schedules {
			fmt.Printf("  schedule %q\n", sched)
		}
		if prog.Tool != nil {
			schema, err := json.MarshalIndent(prog.Tool.Schema(), "  ", "  ")
			if err == nil {
				fmt.Printf("  tool schema:\n  %s\n", schema)
			}
		}
	}
	if failed {
		os.Exit(1)
	}
}

// loadBotDir reads one bot directory: a config.yaml plus any number
// of .bas scripts named after themselves.
func loadBotDir(dir string) (*parley.BotConfig, map[string]string, error) {
	cfg, err := parley.LoadBotConfig(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return nil, nil, err
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(dir)
	}

	scripts := make(map[string]string)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".bas") {
			continue
		}
		source, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, nil, err
		}
		scripts[scriptName(entry.Name())] = string(source)
	}
	if len(scripts) == 0 {
		return nil, nil, fmt.Errorf("no .bas scripts in %s", dir)
	}
	return cfg, scripts, nil
}

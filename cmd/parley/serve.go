package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/parleyops/parley"
	"github.com/parleyops/parley/basic"
	"github.com/parleyops/parley/llm"
	"github.com/parleyops/parley/sandbox"
	"github.com/parleyops/parley/serve"
)

// serveCmd starts the HTTP server, the scheduler and optional channels.
func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":3001", "HTTP listen address")
	dbPath := fs.String("db", ".parley.db", "SQLite database path")
	botsDir := fs.String("bots", "./bots", "Directory of bot directories (config.yaml + .bas scripts)")
	peer := fs.String("peer", "", "Base URL of a peer server for remote agent delivery")

	fs.Usage = func() {
		fmt.Println(`Usage: parley serve [options]

Start the HTTP server, scheduler and channels for every bot found
under the bots directory.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  parley serve
  parley serve --bots ./bots --addr :8080
  parley serve --peer https://other-node.example.com`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	requireAPIKey()

	store, err := serve.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	if err := store.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	client := llm.New()
	reflector := parley.NewReflector(client, store)

	runner, err := sandbox.NewRunner()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating sandbox: %v\n", err)
		os.Exit(1)
	}

	var exchangeOpts []parley.ExchangeOption
	exchangeOpts = append(exchangeOpts, parley.WithEnvelopeLog(func(env parley.Envelope) {
		store.InsertEnvelope(env)
	}))
	if *peer != "" {
		exchangeOpts = append(exchangeOpts, parley.WithRemoteRouter(serve.NewHTTPRouter(*peer)))
	}
	exchange := parley.NewExchange(parley.DefaultA2AConfig(), exchangeOpts...)

	rt := basic.NewRuntime(
		basic.WithMemory(store),
		basic.WithLLM(client),
		basic.WithSandbox(runner),
		basic.WithReflector(reflector),
		basic.WithExchange(exchange),
	)

	bots, err := loadBots(rt, store, *botsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d bot(s) from %s\n", bots, *botsDir)

	srv := serve.New(rt, store, serve.Config{
		Addr:          *addr,
		DBPath:        *dbPath,
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramBot:   os.Getenv("TELEGRAM_BOT"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Script-declared schedules and persisted jobs both land in the
	// scheduler before it starts ticking.
	for _, name := range botNames(rt, *botsDir) {
		if err := srv.Scheduler().RegisterBot(name); err != nil {
			fmt.Fprintf(os.Stderr, "Error registering schedules for %s: %v\n", name, err)
			os.Exit(1)
		}
	}
	if jobs, err := store.ListScheduledJobs(); err == nil {
		for _, job := range jobs {
			if _, ok := rt.Bot(job.BotID); !ok {
				continue
			}
			if err := srv.Scheduler().AddJob(job); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: persisted job %s/%s: %v\n", job.BotID, job.Name, err)
			}
		}
	}

	go reflector.Run(ctx, rt.Sessions)

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		botID := os.Getenv("TELEGRAM_BOT")
		tg, err := serve.NewTelegramBot(token, botID, rt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting telegram channel: %v\n", err)
			os.Exit(1)
		}
		go tg.Start(ctx)
	}

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	runner.Shutdown(context.Background())
}

// loadBots adds every bot directory under dir to the runtime and
// records its webhook endpoints. Returns the number of bots loaded.
func loadBots(rt *basic.Runtime, store serve.Store, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read bots directory: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		botDir := filepath.Join(dir, entry.Name())
		cfg, scripts, err := loadBotDir(botDir)
		if err != nil {
			return 0, fmt.Errorf("bot %s: %w", entry.Name(), err)
		}
		bot, err := rt.AddBot(*cfg, scripts)
		if err != nil {
			return 0, fmt.Errorf("bot %s: %w", entry.Name(), err)
		}
		for _, spec := range rt.WebhookEndpoints(bot.Name) {
			if err := store.UpsertWebhookEndpoint(bot.Name, spec.Endpoint, spec.Script); err != nil {
				return 0, fmt.Errorf("bot %s: record webhook %q: %w", entry.Name(), spec.Endpoint, err)
			}
		}
		count++
	}
	if count == 0 {
		return 0, fmt.Errorf("no bot directories under %s", dir)
	}
	return count, nil
}

// botNames lists the bot directory names under dir that loaded.
func botNames(rt *basic.Runtime, dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cfg, err := parley.LoadBotConfig(filepath.Join(dir, entry.Name(), "config.yaml"))
		if err != nil {
			continue
		}
		name := cfg.Name
		if name == "" {
			name = entry.Name()
		}
		if _, ok := rt.Bot(name); ok {
			names = append(names, name)
		}
	}
	return names
}

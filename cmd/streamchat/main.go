package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"StreamChat/internal/chatbot"
	"StreamChat/internal/config"
	"StreamChat/internal/telemetry"
)

func main() {
	var (
		configPath  string
		backendName string
		model       string
		system      string
		debug       bool
		timeout     time.Duration
		cacheOn     bool
		journalPath string
	)

	flag.StringVar(&configPath, "config", "", "Path to the TOML config file (default ~/.streamchat/config.toml)")
	flag.StringVar(&backendName, "backend", config.BackendOllama, "LLM backend (ollama|anthropic|grok|openai|websocket)")
	flag.StringVar(&model, "model", "", "Preferred model; the backend's first listed model is used otherwise")
	flag.StringVar(&system, "system", "", "System prompt sent with every turn")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "Per-turn deadline, 0 disables")
	flag.BoolVar(&cacheOn, "cache", false, "Serve repeated prompts from an in-memory cache")
	flag.StringVar(&journalPath, "journal", "", "Record turns to this sqlite database")

	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override the file only when given
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Backend = backendName
		case "model":
			cfg.Model = model
		case "system":
			cfg.SystemPrompt = system
		case "debug":
			cfg.Debug = debug
		case "timeout":
			cfg.Timeout = timeout
		case "cache":
			cfg.Cache.Enabled = cacheOn
		case "journal":
			cfg.Journal.Enabled = true
			cfg.Journal.Path = journalPath
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx := context.Background()

	logger, logFile, err := telemetry.InitLogger(cfg.Telemetry.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	opts := chatbot.Options{Logger: logger}

	if cfg.Telemetry.Enabled {
		_, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.Telemetry.LogDir)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer cleanup()

		opts.Instruments, err = telemetry.NewInstruments(meter)
		if err != nil {
			return fmt.Errorf("failed to create instruments: %w", err)
		}
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	opts.Interrupts = interrupts

	bot, err := chatbot.NewChatBot(cfg, opts)
	if err != nil {
		return fmt.Errorf("failed to initialize chatbot: %w", err)
	}
	return bot.Run(ctx)
}

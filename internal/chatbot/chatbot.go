package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"StreamChat/internal/backend"
	"StreamChat/internal/cache"
	"StreamChat/internal/chat"
	"StreamChat/internal/config"
	"StreamChat/internal/journal"
	"StreamChat/internal/telemetry"
)

const listTimeout = 30 * time.Second

// Options wires the ChatBot to its terminal and telemetry
type Options struct {
	Logger      *slog.Logger
	Instruments *telemetry.Instruments
	In          io.Reader
	Out         io.Writer
	Interrupts  <-chan os.Signal // Ctrl-C cancels a streamed reply, or quits when idle
}

// ChatBot represents the interactive terminal front end. It renders one chat
// session at a time and forwards commands to it.
type ChatBot struct {
	config      config.Config
	logger      *slog.Logger
	instruments *telemetry.Instruments
	cache       *cache.Cache
	journal     *journal.Journal

	in         io.Reader
	out        io.Writer
	interrupts <-chan os.Signal

	chat    *chat.Controller
	pending []string // input typed while a reply was streaming
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(cfg config.Config, opts Options) (*ChatBot, error) {
	cb := &ChatBot{
		config:      cfg,
		logger:      opts.Logger,
		instruments: opts.Instruments,
		in:          opts.In,
		out:         opts.Out,
		interrupts:  opts.Interrupts,
	}
	if cb.logger == nil {
		cb.logger = slog.Default()
	}
	if cb.in == nil {
		cb.in = os.Stdin
	}
	if cb.out == nil {
		cb.out = os.Stdout
	}

	if cfg.Debug {
		cb.logger.Info("Debug mode enabled")
	}

	if cfg.Cache.Enabled {
		cb.cache = cache.New(cfg.Cache.TTL, cb.logger)
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize journal: %w", err)
		}
		cb.journal = j
	}

	if err := cb.newSession(); err != nil {
		cb.journal.Close()
		return nil, err
	}
	return cb, nil
}

// newSession replaces the current session with an empty one on the configured backend
func (cb *ChatBot) newSession() error {
	tr, err := backend.New(cb.config, cb.logger)
	if err != nil {
		return fmt.Errorf("failed to create backend: %w", err)
	}

	opts := chat.Options{
		Transport:      tr,
		DefaultModel:   cb.config.Model,
		SystemPrompt:   cb.config.SystemPrompt,
		RequestTimeout: cb.config.Timeout,
		Cache:          cb.cache,
		Instruments:    cb.instruments,
		Logger:         cb.logger,
	}
	if cb.journal != nil {
		opts.Journal = cb.journal
	}

	ctrl, err := chat.New(opts)
	if err != nil {
		return err
	}
	if cb.chat != nil {
		cb.chat.Close()
	}
	cb.chat = ctrl
	return nil
}

// startSession lists the models of the current backend; failure only leaves
// the session without a model list
func (cb *ChatBot) startSession(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	if err := cb.chat.Start(ctx); err != nil {
		fmt.Fprintf(cb.out, "Warning: could not list models: %v\n", err)
	}
}

func (cb *ChatBot) printSession() {
	snap := cb.chat.Snapshot()
	fmt.Fprintf(cb.out, "Session: %s\n", snap.SessionID)
	fmt.Fprintf(cb.out, "Backend: %s\n", snap.Backend)
	if snap.SelectedModel != "" {
		fmt.Fprintf(cb.out, "Model: %s\n", snap.SelectedModel)
	} else {
		fmt.Fprintln(cb.out, "Model: (backend default)")
	}
}

// readLines feeds stdin lines to a channel that is closed at EOF
func (cb *ChatBot) readLines() <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cb.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			cb.logger.Error("failed to read input", "error", err)
		}
	}()
	return lines
}

// Run starts the chat bot and returns when the user quits or ctx is done
func (cb *ChatBot) Run(ctx context.Context) error {
	defer cb.Close()

	fmt.Fprintln(cb.out, "=== StreamChat ===")
	cb.startSession(ctx)
	cb.printSession()
	fmt.Fprintln(cb.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(cb.out)

	lines := cb.readLines()

	for {
		var input string
		if len(cb.pending) > 0 {
			input, cb.pending = cb.pending[0], cb.pending[1:]
		} else {
			fmt.Fprint(cb.out, "You: ")
			select {
			case line, ok := <-lines:
				if !ok {
					fmt.Fprintln(cb.out)
					fmt.Fprintln(cb.out, "Goodbye!")
					return nil
				}
				input = line
			case <-cb.interrupts:
				fmt.Fprintln(cb.out)
				fmt.Fprintln(cb.out, "Goodbye!")
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if strings.TrimSpace(input) == "" {
			continue
		}

		if strings.HasPrefix(strings.TrimSpace(input), "/") {
			shouldQuit, err := cb.handleCommand(ctx, strings.TrimSpace(input))
			if err != nil {
				fmt.Fprintf(cb.out, "Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if err := cb.chat.SendMessage(input); err != nil {
			fmt.Fprintf(cb.out, "Error: %v\n", err)
			cb.logger.Error("failed to send message", "error", err)
			continue
		}
		if err := cb.render(ctx, lines); err != nil {
			return err
		}
	}

	fmt.Fprintln(cb.out, "Goodbye!")
	return nil
}

// render prints the streamed reply as it grows. Lines typed meanwhile are
// queued, except /cancel which stops the reply.
func (cb *ChatBot) render(ctx context.Context, lines <-chan string) error {
	fmt.Fprint(cb.out, "Bot: ")
	printed := 0
	for {
		snap := cb.chat.Snapshot()
		if n := len(snap.Messages); n > 0 {
			content := snap.Messages[n-1].Content
			if len(content) > printed {
				fmt.Fprint(cb.out, content[printed:])
				printed = len(content)
			}
		}

		if !snap.InFlight() {
			if err := cb.chat.Wait(ctx); err != nil {
				cb.logger.Error("failed waiting for turn to settle", "error", err)
				fmt.Fprintln(cb.out)
				return err
			}
			fmt.Fprintln(cb.out)
			if snap.Status == chat.StateError {
				fmt.Fprintf(cb.out, "Error: %s\n", snap.LastError)
			}
			fmt.Fprintln(cb.out)
			return nil
		}

		select {
		case <-cb.chat.Updates():
		case <-cb.interrupts:
			cb.chat.Cancel()
			fmt.Fprint(cb.out, " [canceled]")
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if strings.TrimSpace(line) == "/cancel" {
				cb.chat.Cancel()
				fmt.Fprint(cb.out, " [canceled]")
				continue
			}
			cb.pending = append(cb.pending, line)
		case <-ctx.Done():
			cb.chat.Cancel()
			fmt.Fprintln(cb.out)
			return ctx.Err()
		}
	}
}

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new-session":
		if err := cb.newSession(); err != nil {
			return false, err
		}
		cb.startSession(ctx)
		fmt.Fprintln(cb.out, "Started new session:", cb.chat.Snapshot().SessionID)
		return false, nil

	case "/switch":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /switch <backend> (%s)", strings.Join(config.Backends, "|"))
		}
		backendName := parts[1]
		if !slices.Contains(config.Backends, backendName) {
			return false, fmt.Errorf("unknown backend: %s", backendName)
		}
		prev := cb.config.Backend
		cb.config.Backend = backendName
		if err := cb.newSession(); err != nil {
			cb.config.Backend = prev
			return false, err
		}
		cb.startSession(ctx)
		fmt.Fprintf(cb.out, "Switched to %s backend\n", backendName)
		cb.printSession()
		return false, nil

	case "/models":
		snap := cb.chat.Snapshot()
		if len(snap.AvailableModels) == 0 {
			fmt.Fprintln(cb.out, "No models listed. Try /refresh-models.")
			return false, nil
		}
		fmt.Fprintf(cb.out, "\nAvailable %s models:\n", snap.Backend)
		for i, model := range snap.AvailableModels {
			current := ""
			if model == snap.SelectedModel {
				current = " (current)"
			}
			fmt.Fprintf(cb.out, "%d. %s%s\n", i+1, model, current)
		}
		fmt.Fprintln(cb.out)
		return false, nil

	case "/model":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /model <model>")
		}
		if err := cb.chat.SetSelectedModel(parts[1]); err != nil {
			return false, err
		}
		fmt.Fprintf(cb.out, "Model set to: %s\n", parts[1])
		return false, nil

	case "/refresh-models":
		ctx, cancel := context.WithTimeout(ctx, listTimeout)
		defer cancel()
		if err := cb.chat.RefreshModels(ctx); err != nil {
			return false, fmt.Errorf("failed to refresh models: %w", err)
		}
		fmt.Fprintf(cb.out, "Reloaded models. Total: %d\n", len(cb.chat.Snapshot().AvailableModels))
		return false, nil

	case "/cancel":
		if !cb.chat.Snapshot().InFlight() {
			fmt.Fprintln(cb.out, "Nothing to cancel.")
			return false, nil
		}
		cb.chat.Cancel()
		return false, nil

	case "/status":
		snap := cb.chat.Snapshot()
		cb.printSession()
		fmt.Fprintf(cb.out, "Status: %s\n", snap.Status)
		fmt.Fprintf(cb.out, "Messages: %d\n", len(snap.Messages))
		if snap.LastError != "" {
			fmt.Fprintf(cb.out, "Last error (%s): %s\n", snap.LastErrorKind, snap.LastError)
		}
		return false, nil

	case "/journal":
		if cb.journal == nil {
			fmt.Fprintln(cb.out, "Journal is not enabled. Use --journal flag to enable.")
			return false, nil
		}
		n := 10
		if len(parts) > 1 {
			v, err := strconv.Atoi(parts[1])
			if err != nil || v <= 0 {
				return false, fmt.Errorf("usage: /journal [count]")
			}
			n = v
		}
		turns, err := cb.journal.Recent(ctx, n)
		if err != nil {
			return false, err
		}
		if len(turns) == 0 {
			fmt.Fprintln(cb.out, "No turns recorded.")
			return false, nil
		}
		fmt.Fprintln(cb.out, "\nRecent turns:")
		for _, t := range turns {
			fmt.Fprintf(cb.out, "%s  %-9s %-10s %-24s %4d frags %6dms",
				t.StartedAt.Format(time.DateTime), t.Backend, t.Outcome, t.Model, t.Fragments, t.Duration.Milliseconds())
			if t.ErrorKind != "" {
				fmt.Fprintf(cb.out, "  (%s)", t.ErrorKind)
			}
			fmt.Fprintln(cb.out)
		}
		fmt.Fprintln(cb.out)
		return false, nil

	case "/help":
		fmt.Fprintln(cb.out, "Available commands:")
		fmt.Fprintln(cb.out, "  /quit, /exit              - Exit the chatbot")
		fmt.Fprintln(cb.out, "  /new-session              - Start a new chat session")
		fmt.Fprintf(cb.out, "  /switch <backend>         - Switch LLM backend (%s)\n", strings.Join(config.Backends, "|"))
		fmt.Fprintln(cb.out, "  /models                   - List the backend's models")
		fmt.Fprintln(cb.out, "  /model <model>            - Select the model for the next message")
		fmt.Fprintln(cb.out, "  /refresh-models           - Reload the model list")
		fmt.Fprintln(cb.out, "  /cancel                   - Stop the reply being streamed (or press Ctrl-C)")
		fmt.Fprintln(cb.out, "  /status                   - Show session status")
		if cb.journal != nil {
			fmt.Fprintln(cb.out, "  /journal [n]              - Show the last n recorded turns")
		}
		fmt.Fprintln(cb.out, "  /help                     - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (type /help)", parts[0])
	}
}

// Close ends the current session and releases the journal
func (cb *ChatBot) Close() error {
	if cb.chat != nil {
		cb.chat.Close()
	}
	return cb.journal.Close()
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/appdir"
	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/session"
)

var (
	// chat-specific flags
	oncePrompt string
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat with the configured backend",
	Long: `Start an interactive chat session against the configured backend.

Responses stream into the terminal as they are generated. Multiple
sessions can be held at once; an exchange keeps streaming in the
background when you switch away from its session.

Use --once to send a single message and exit:
  parley chat --once "What is the capital of France?"

Commands (interactive mode only):
  /new [kind]       - Start a new session
  /sessions         - List sessions
  /switch <n>       - Switch to session number n
  /rename <title>   - Rename the current session
  /delete [n]       - Delete a session (current if omitted)
  /model [name]     - Show or set the model
  /system <prompt>  - Set the system prompt
  /upload <file...> - Upload files into the conversation
  /speed            - Show the last generation speed
  /cancel           - Cancel the in-flight exchange
  /quit, /exit      - Exit`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().StringVar(&oncePrompt, "once", "", "Send a single message and exit (non-interactive mode)")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	printer := newConsolePrinter()
	manager := chat.NewManager(chat.Config{
		ServerURL:    cfg.ServerURL,
		Username:     cfg.Username,
		DefaultModel: cfg.DefaultModel,
		IdleTimeout:  cfg.IdleTimeout(),
		TopP:         cfg.Sampling.TopP,
		Temperature:  cfg.Sampling.Temperature,
		MaxLength:    cfg.Sampling.MaxLength,
	}, nil, nil, nil, logging.Exchange(), printer.events())
	defer manager.Close()

	if cfg.SystemPrompt != "" {
		if err := manager.SetSystemPrompt(cfg.SystemPrompt); err != nil {
			return err
		}
	}

	if oncePrompt != "" {
		return sendAndWait(ctx, manager, printer, oncePrompt)
	}

	// Apply config file edits live. Connection settings need a restart, but
	// the model and system prompt take effect on the next exchange.
	if watcher := watchConfig(manager); watcher != nil {
		defer watcher.Close()
	}

	fmt.Printf("Connected to %s as %s. Type a message, or /help for commands.\n", cfg.ServerURL, cfg.Username)
	return runChatLoop(ctx, manager, printer)
}

// watchConfig starts a watcher on the effective config file and applies the
// settings that can change mid-run. Returns nil when the config location
// cannot be resolved or the watch cannot be established; the chat loop works
// fine without live reload.
func watchConfig(manager *chat.Manager) *config.Watcher {
	path := configPath
	if path == "" {
		var err error
		path, err = appdir.ConfigPath()
		if err != nil {
			return nil
		}
	}

	logger := logging.Get()
	watcher, err := config.NewWatcher(path, func(next *config.Config) {
		if next.DefaultModel != cfg.DefaultModel {
			if err := manager.SetModel(next.DefaultModel); err != nil {
				logger.Warn("Failed to apply reloaded model", "error", err)
			}
		}
		if next.SystemPrompt != cfg.SystemPrompt {
			if err := manager.SetSystemPrompt(next.SystemPrompt); err != nil {
				logger.Warn("Failed to apply reloaded system prompt", "error", err)
			}
		}
		cfg = next
	}, logger)
	if err != nil {
		logger.Warn("Config watching disabled", "path", path, "error", err)
		return nil
	}
	watcher.Start()
	return watcher
}

func runChatLoop(ctx context.Context, manager *chat.Manager, printer *consolePrinter) error {
	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "parley> " })

	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)

	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeChatInput(string(line), cursor)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := handleChatCommand(ctx, manager, printer, line)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := sendAndWait(ctx, manager, printer, line); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

// sendAndWait starts an exchange for the active session and blocks until it
// finalizes, streaming assistant text as it arrives. Ctrl+C cancels the
// exchange without leaving the loop.
func sendAndWait(ctx context.Context, manager *chat.Manager, printer *consolePrinter, input string) error {
	if err := manager.Send(ctx, input); err != nil {
		return err
	}
	active, _, err := manager.Active()
	if err != nil {
		return err
	}
	return waitForExchange(ctx, manager, printer, active.ID)
}

func waitForExchange(ctx context.Context, manager *chat.Manager, printer *consolePrinter, sessionID string) error {
	printer.follow(sessionID)
	defer printer.follow("")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case done := <-printer.done:
			if done.sessionID != sessionID {
				continue
			}
			fmt.Println()
			if done.err != nil {
				return done.err
			}
			return nil
		case <-sigCh:
			fmt.Println("\nCancelling...")
			if err := manager.Cancel(); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func handleChatCommand(ctx context.Context, manager *chat.Manager, printer *consolePrinter, line string) (quit bool, err error) {
	parts := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(parts) == 0 {
		return false, nil
	}
	args := parts[1:]

	switch strings.ToLower(parts[0]) {
	case "quit", "exit", "q":
		fmt.Println("Goodbye!")
		return true, nil

	case "new":
		kind := ""
		if len(args) > 0 {
			kind = args[0]
		}
		sess, err := manager.NewSession(kind)
		if err != nil {
			return false, err
		}
		fmt.Printf("Now in session %q\n", sess.Title)

	case "sessions", "ls":
		sessions, err := manager.Sessions()
		if err != nil {
			return false, err
		}
		active, _, _ := manager.Active()
		for i, s := range sessions {
			marker := " "
			if s.ID == active.ID {
				marker = "*"
			}
			status := ""
			if s.IsStreaming {
				status = " [streaming]"
			} else if s.IsWaiting {
				status = " [waiting]"
			}
			fmt.Printf("%s %2d. %s (%d turns)%s\n", marker, i+1, s.Title, len(s.Turns), status)
		}

	case "switch", "sw":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /switch <number>")
		}
		sess, err := sessionByArg(manager, args[0])
		if err != nil {
			return false, err
		}
		if err := manager.Switch(sess.ID); err != nil {
			return false, err
		}
		fmt.Printf("Now in session %q\n", sess.Title)
		printHistory(sess)

	case "rename":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: /rename <title>")
		}
		if err := manager.Rename(strings.Join(args, " ")); err != nil {
			return false, err
		}

	case "delete", "rm":
		var target session.Session
		if len(args) == 0 {
			active, ok, err := manager.Active()
			if err != nil {
				return false, err
			}
			if !ok {
				return false, fmt.Errorf("no active session")
			}
			target = active
		} else {
			var err error
			target, err = sessionByArg(manager, args[0])
			if err != nil {
				return false, err
			}
		}
		if err := manager.Delete(target.ID); err != nil {
			return false, err
		}
		fmt.Printf("Deleted session %q\n", target.Title)

	case "model":
		ui, err := manager.UI()
		if err != nil {
			return false, err
		}
		if len(args) == 0 {
			fmt.Printf("Model: %s\n", ui.Model)
			return false, nil
		}
		if err := manager.SetModel(args[0]); err != nil {
			return false, err
		}
		fmt.Printf("Model set to %s\n", args[0])

	case "system":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: /system <prompt>")
		}
		if err := manager.SetSystemPrompt(strings.Join(args, " ")); err != nil {
			return false, err
		}

	case "upload", "up":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: /upload <file> [file...]")
		}
		transport, err := NewHTTPUploadTransport(cfg.ServerURL, logging.Upload())
		if err != nil {
			return false, err
		}
		if err := manager.SendUpload(ctx, "", transport, args); err != nil {
			return false, err
		}
		active, _, err := manager.Active()
		if err != nil {
			return false, err
		}
		if err := waitForExchange(ctx, manager, printer, active.ID); err != nil {
			return false, err
		}
		ui, err := manager.UI()
		if err != nil {
			return false, err
		}
		if ui.LastUploaded != "" {
			fmt.Printf("Uploaded: %s\n", ui.LastUploaded)
		}

	case "speed":
		active, ok, err := manager.Active()
		if err != nil || !ok {
			return false, fmt.Errorf("no active session")
		}
		if speed, ok := manager.Speed(active.ID, len(active.Turns)-1); ok {
			fmt.Printf("%.1f chars/s\n", speed)
		} else {
			fmt.Println("No throughput sample yet")
		}

	case "cancel":
		if err := manager.Cancel(); err != nil {
			return false, err
		}
		fmt.Println("Cancelled")

	case "help", "h", "?":
		printChatHelp()

	default:
		fmt.Printf("Unknown command: /%s (use /help for available commands)\n", parts[0])
	}
	return false, nil
}

// sessionByArg resolves a 1-based list index or a session ID prefix.
func sessionByArg(manager *chat.Manager, arg string) (session.Session, error) {
	sessions, err := manager.Sessions()
	if err != nil {
		return session.Session{}, err
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(sessions) {
			return session.Session{}, fmt.Errorf("no session %d", n)
		}
		return sessions[n-1], nil
	}
	for _, s := range sessions {
		if strings.HasPrefix(s.ID, arg) {
			return s, nil
		}
	}
	return session.Session{}, fmt.Errorf("no session matching %q", arg)
}

func printHistory(sess session.Session) {
	for _, turn := range sess.Turns {
		fmt.Printf("> %s\n%s\n", turn.User, turn.Assistant)
	}
}

func printChatHelp() {
	fmt.Println(`
Available commands:
  /new [kind]       - Start a new session
  /sessions, /ls    - List sessions
  /switch <n>       - Switch to session number n
  /rename <title>   - Rename the current session
  /delete [n]       - Delete a session (current if omitted)
  /model [name]     - Show or set the model
  /system <prompt>  - Set the system prompt
  /upload <file...> - Upload files into the conversation
  /speed            - Show the last generation speed
  /cancel           - Cancel the in-flight exchange
  /quit, /exit, /q  - Exit

Tips:
  - Type your message and press Enter to send it
  - Ctrl+C during a response cancels it
  - Use up/down arrows for input history
  - Use Tab to autocomplete slash commands`)
}

// chatSlashCommands defines the available slash commands with their
// descriptions, for tab completion.
var chatSlashCommands = []struct {
	name        string
	description string
}{
	{"/new", "Start a new session"},
	{"/sessions", "List sessions"},
	{"/switch", "Switch to another session"},
	{"/rename", "Rename the current session"},
	{"/delete", "Delete a session"},
	{"/model", "Show or set the model"},
	{"/system", "Set the system prompt"},
	{"/upload", "Upload files into the conversation"},
	{"/speed", "Show the last generation speed"},
	{"/cancel", "Cancel the in-flight exchange"},
	{"/help", "Show available commands"},
	{"/quit", "Exit"},
	{"/exit", "Exit (alias)"},
}

// completeChatInput provides tab completion for the chat input.
// It completes slash commands when the input starts with "/".
func completeChatInput(line string, cursor int) readline.Completions {
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]

	if !strings.HasPrefix(text, "/") {
		return readline.Completions{}
	}

	var pairs []string
	for _, cmd := range chatSlashCommands {
		if strings.HasPrefix(cmd.name, text) {
			pairs = append(pairs, cmd.name, cmd.description)
		}
	}
	if len(pairs) == 0 {
		return readline.Completions{}
	}

	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/')
}

// exchangeResult is one finalized exchange as seen by the printer.
type exchangeResult struct {
	sessionID string
	err       error
}

// consolePrinter renders streamed assistant text for the session the REPL
// is currently waiting on, and queues completion notices for the wait loop.
type consolePrinter struct {
	mu       sync.Mutex
	followed string
	printed  map[string]int // sessionID -> printed runes of the current turn
	turn     map[string]int // sessionID -> turn the printed count refers to

	done chan exchangeResult
}

func newConsolePrinter() *consolePrinter {
	return &consolePrinter{
		printed: make(map[string]int),
		turn:    make(map[string]int),
		done:    make(chan exchangeResult, 16),
	}
}

// follow selects the session whose stream is rendered. Empty stops
// rendering.
func (p *consolePrinter) follow(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.followed = sessionID
}

func (p *consolePrinter) events() chat.Events {
	return chat.Events{
		OnAssistantText: p.onText,
		OnExchangeDone: func(sessionID string, err error) {
			// Never block the manager loop. When nothing is draining
			// completions, a dropped notice only loses an event for a
			// session the prompt is not waiting on.
			select {
			case p.done <- exchangeResult{sessionID: sessionID, err: err}:
			default:
				logging.Get().Debug("Dropped exchange completion notice",
					"session_id", sessionID, "error", err)
			}
		},
		OnUploadProgress: p.onProgress,
	}
}

// onText prints only the not-yet-printed suffix of the cumulative assistant
// text, so the stream renders incrementally.
func (p *consolePrinter) onText(sessionID string, turn int, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sessionID != p.followed {
		return
	}
	if p.turn[sessionID] != turn {
		p.turn[sessionID] = turn
		p.printed[sessionID] = 0
	}
	runes := []rune(text)
	already := p.printed[sessionID]
	if already > len(runes) {
		// The text was rewritten from the start; reprint it whole.
		already = 0
		fmt.Println()
	}
	fmt.Print(string(runes[already:]))
	p.printed[sessionID] = len(runes)
}

func (p *consolePrinter) onProgress(sessionID string, percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sessionID != p.followed {
		return
	}
	fmt.Printf("\rUploading... %3d%%", percent)
	if percent >= 100 {
		fmt.Println()
	}
}

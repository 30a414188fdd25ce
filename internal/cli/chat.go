// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat REPL for the courier CLI.
//
// Handles the default "courier" invocation: an interactive loop that
// submits each line as a turn and renders the streamed response as it
// arrives over the best available transport.
//
// Interactive Commands (during chat):
//   /help, /h           Show available commands
//   /sessions           List stored sessions
//   /session <id>       Switch to another session
//   /history            Show conversation history
//   /status, /s         Show session statistics
//   /cancel             Cancel the in-flight response
//   /recover            Re-run pending-turn recovery
//   /quit, /q           Exit
//   Ctrl+C              Cancel current response
//   Ctrl+D              Exit

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jeranaias/courier/internal/api"
	"github.com/jeranaias/courier/internal/config"
	"github.com/jeranaias/courier/internal/coordinator"
	"github.com/jeranaias/courier/internal/duplex"
	"github.com/jeranaias/courier/internal/recovery"
	"github.com/jeranaias/courier/internal/store"
	"github.com/jeranaias/courier/internal/transport"
	"github.com/jeranaias/courier/internal/turn"
	"github.com/jeranaias/courier/internal/util"
)

// =============================================================================
// SESSION STATE
// =============================================================================

// ChatSession holds the wired-up client stack for one interactive run.
type ChatSession struct {
	Config *config.Config
	Bridge *store.Bridge

	Channel     *duplex.Channel
	Coordinator *coordinator.Coordinator
	Recovery    *recovery.Agent

	// ActiveSession is the session id turns are submitted into.
	ActiveSession string

	Quiet     bool
	StartTime time.Time

	// Counters for the exit summary.
	mu        sync.Mutex
	turns     int
	cancelled int
	failed    int

	InputCLI *InputReader
}

// NewChatSession wires the full delivery stack from configuration.
func NewChatSession(args Args) (*ChatSession, error) {
	var cfg *config.Config
	var err error
	if args.ConfigPath != "" {
		cfg, err = config.LoadFromPath(args.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if args.ServerURL != "" {
		cfg.Server.BaseURL = args.ServerURL
		cfg.Server.WSURL = ""
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return nil, err
	}
	if err := config.EnsureConfigDir(); err != nil {
		return nil, err
	}
	backend, err := store.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	bridge, err := store.NewBridge(backend, cfg.Delivery.HistoryLimit)
	if err != nil {
		backend.Close()
		return nil, err
	}

	client := api.NewClient(cfg.Server.BaseURL).WithUserAgent(cfg.Server.UserAgent)

	channel := duplex.NewChannel(cfg.DuplexURL()).
		WithBackoff(cfg.InitialBackoff(), cfg.MaxBackoff()).
		WithKeepalive(cfg.Keepalive())

	selector := transport.NewSelector(
		&transport.Duplex{Channel: channel},
		&transport.Stream{Client: client},
		&transport.Request{Client: client},
	).WithMarkerClearer(bridge)

	coord := coordinator.New(selector, bridge).WithTimeout(cfg.TurnTimeout())

	agent := recovery.New(bridge, client).
		WithCeiling(cfg.MarkerCeiling()).
		WithPolling(cfg.PollInterval(), cfg.Recovery.MaxAttempts).
		WithActiveCheck(coord.Active)

	session := &ChatSession{
		Config:        cfg,
		Bridge:        bridge,
		Channel:       channel,
		Coordinator:   coord,
		Recovery:      agent,
		ActiveSession: store.DefaultSessionID,
		Quiet:         args.Quiet,
		StartTime:     time.Now(),
		InputCLI:      NewInputReader(),
	}

	coord.OnEvent(session.renderEvent)
	agent.OnNotify(session.renderNotice)

	// Every duplex reopen re-checks for an unresolved turn; the agent
	// no-ops when no marker is set.
	channel.OnReconnect(func() {
		agent.Run(context.Background())
	})

	return session, nil
}

// applyConfig folds a reloaded config snapshot into the running stack.
// Only the per-turn and recovery tunables apply live.
func (s *ChatSession) applyConfig(cfg *config.Config) {
	s.Coordinator.SetTimeout(cfg.TurnTimeout())
	s.Recovery.SetTuning(cfg.MarkerCeiling(), cfg.PollInterval(), cfg.Recovery.MaxAttempts)

	s.mu.Lock()
	s.Config = cfg
	s.mu.Unlock()

	if !s.Quiet {
		fmt.Fprintf(os.Stderr, "%s configuration reloaded\n", InfoStyle.Render("[Config]"))
	}
}

// Close releases the terminal, the channel, and the store.
func (s *ChatSession) Close() {
	s.InputCLI.Close()
	s.Channel.Shutdown()
	if err := s.Bridge.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed to close store: %v\n", ErrorStyle.Render("[Error]"), err)
	}
}

// =============================================================================
// CHAT HANDLER
// =============================================================================

// HandleChatCommand runs the interactive REPL until exit.
func HandleChatCommand(args Args) error {
	session, err := NewChatSession(args)
	if err != nil {
		return err
	}
	defer session.Close()

	session.Channel.Start()

	// A marker left over from a previous run means a turn never reached
	// a terminal state. Reconcile before the first prompt.
	go session.Recovery.Run(context.Background())

	if !session.Quiet {
		printWelcome(session)
	}

	// Hot-reload turn and recovery tunables while the REPL runs. Server,
	// duplex and storage settings still need a restart.
	watchPath := args.ConfigPath
	if watchPath == "" {
		watchPath, _ = config.ConfigPath()
	}
	if watchPath != "" {
		watchCtx, stopWatch := context.WithCancel(context.Background())
		defer stopWatch()
		go func() {
			err := config.Watch(watchCtx, watchPath, session.applyConfig)
			if err != nil && watchCtx.Err() == nil {
				fmt.Fprintf(os.Stderr, "%s config watch stopped: %v\n", DimStyle.Render("[Config]"), err)
			}
		}()
	}

	// First Ctrl+C cancels the in-flight response; at the prompt liner
	// surfaces it as ErrPromptAborted instead.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			session.Coordinator.CancelActive(session.ActiveSession)
		}
	}()

	for {
		input, err := session.InputCLI.ReadInput(PromptStyle.Render("courier> "))
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D, or a closed terminal.
			fmt.Println()
			printExitSummary(session)
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			cont, err := handleSlashCommand(input, session)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			if !cont {
				printExitSummary(session)
				return nil
			}
			continue
		}

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			printExitSummary(session)
			return nil
		}

		if err := session.processTurn(input); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		}
	}
}

// =============================================================================
// TURN PROCESSING
// =============================================================================

// processTurn submits one line as a turn and blocks until it is terminal.
// Streamed output is rendered by the event callback as it arrives.
func (s *ChatSession) processTurn(input string) error {
	handle, err := s.Coordinator.Submit(s.ActiveSession, input, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.turns++
	s.mu.Unlock()

	fmt.Println()
	start := time.Now()

	_, err = handle.Wait(context.Background())

	fmt.Println()
	switch {
	case err == nil:
		if !s.Quiet {
			st := handle.Turn().Stats()
			fmt.Fprintf(os.Stderr, "%s %s | %d chunks | %s\n\n",
				InfoStyle.Render("[Stats]"),
				CommandStyle.Render(orUnknown(handle.Model())),
				st.ChunkCount,
				time.Since(start).Round(time.Millisecond))
		}
	case err == coordinator.ErrCancelled:
		s.mu.Lock()
		s.cancelled++
		s.mu.Unlock()
		fmt.Fprintln(os.Stderr, WarningStyle.Render("[Cancelled]"))
	default:
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		// The error event was already rendered; nothing more to print.
	}
	return nil
}

// renderEvent draws one turn event. Runs on the coordinator's goroutine.
func (s *ChatSession) renderEvent(sessionID string, ev turn.Event) {
	if sessionID != s.ActiveSession {
		return
	}
	switch ev.Kind {
	case turn.EventChunk:
		fmt.Print(ev.Text)
	case turn.EventThinking:
		fmt.Print(DimStyle.Render(ev.Text))
	case turn.EventStatus:
		if !s.Quiet {
			fmt.Fprintf(os.Stderr, "%s %s\n", InfoStyle.Render("[Status]"), ev.StatusText)
		}
	case turn.EventToolActivity:
		if !s.Quiet {
			fmt.Fprintf(os.Stderr, "%s %s (x%d)\n", InfoStyle.Render("[Tool]"), ev.ToolName, ev.ToolCount)
		}
	case turn.EventUIDirective:
		if !s.Quiet {
			fmt.Fprintf(os.Stderr, "%s %s=%s\n", DimStyle.Render("[Directive]"), ev.Action, ev.Value)
		}
	case turn.EventError:
		fmt.Fprintf(os.Stderr, "\n%s %s\n", ErrorStyle.Render("[Error]"), ev.Message)
	}
}

// renderNotice draws recovery notices.
func (s *ChatSession) renderNotice(sessionID string, ev turn.Event) {
	fmt.Fprintf(os.Stderr, "%s %s\n", WarningStyle.Render("[Recovery]"), ev.StatusText)
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand processes slash commands.
// Returns (shouldContinue, error) where shouldContinue=false means exit.
func handleSlashCommand(cmd string, session *ChatSession) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return true, nil
	}

	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "/help", "/h", "/?", "/":
		printHelp()
		return true, nil

	case "/sessions":
		printSessions(session)
		return true, nil

	case "/session":
		return handleSessionCommand(session, args)

	case "/history":
		printHistory(session)
		return true, nil

	case "/status", "/s":
		printStatus(session)
		return true, nil

	case "/cancel":
		if !session.Coordinator.Active(session.ActiveSession) {
			fmt.Println(InfoStyle.Render("[Nothing to cancel]"))
			return true, nil
		}
		session.Coordinator.CancelActive(session.ActiveSession)
		return true, nil

	case "/recover":
		go session.Recovery.Run(context.Background())
		fmt.Println(InfoStyle.Render("[Recovery triggered]"))
		return true, nil

	case "/quit", "/q", "/exit":
		return false, nil

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
}

// handleSessionCommand shows or switches the active session.
func handleSessionCommand(session *ChatSession, args []string) (bool, error) {
	if len(args) == 0 {
		fmt.Printf("%s Current session: %s\n",
			InfoStyle.Render("[Session]"),
			CommandStyle.Render(session.ActiveSession))
		return true, nil
	}

	target := args[0]
	if session.Coordinator.Active(session.ActiveSession) {
		return true, fmt.Errorf("cannot switch sessions while a response is in flight")
	}
	if err := session.Bridge.SwitchSession(session.ActiveSession, target); err != nil {
		return true, fmt.Errorf("failed to switch session: %w", err)
	}
	session.ActiveSession = target
	fmt.Printf("%s Switched to session: %s\n",
		CommandStyle.Render("[OK]"),
		target)
	return true, nil
}

// =============================================================================
// DISPLAY FUNCTIONS
// =============================================================================

// printWelcome prints the welcome banner.
func printWelcome(session *ChatSession) {
	fmt.Println()
	fmt.Println(TitleStyle.Render("courier interactive chat"))
	fmt.Println(RenderSeparator(30))
	fmt.Printf("%s %s\n",
		InfoStyle.Render("Server:"),
		CommandStyle.Render(session.Config.Server.BaseURL))
	fmt.Printf("%s %s\n",
		InfoStyle.Render("Session:"),
		CommandStyle.Render(session.ActiveSession))
	fmt.Println()
	fmt.Println(InfoStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Println()
}

// printHelp prints available commands.
func printHelp() {
	fmt.Println()
	fmt.Println(TitleStyle.Render("Available Commands"))
	fmt.Println(RenderSeparator(20))
	fmt.Println()

	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help, /h", "Show this help"},
		{"/sessions", "List stored sessions"},
		{"/session [id]", "Show or switch session"},
		{"/history", "Show conversation history"},
		{"/status, /s", "Show session statistics"},
		{"/cancel", "Cancel the in-flight response"},
		{"/recover", "Re-run pending-turn recovery"},
		{"/quit, /q", "Exit"},
	}

	for _, c := range commands {
		fmt.Printf("  %s  %s\n",
			CommandStyle.Render(fmt.Sprintf("%-15s", c.cmd)),
			InfoStyle.Render(c.desc))
	}

	fmt.Println()
	fmt.Println(InfoStyle.Render("Tip: Ctrl+C cancels the current response, Ctrl+D exits"))
	fmt.Println()
}

// printSessions lists every stored session with a preview of its last message.
func printSessions(session *ChatSession) {
	metas, err := session.Bridge.Sessions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		return
	}
	if len(metas) == 0 {
		fmt.Println(InfoStyle.Render("[No stored sessions]"))
		return
	}

	fmt.Println()
	fmt.Println(TitleStyle.Render("Sessions"))
	fmt.Println(RenderSeparator(25))
	for _, m := range metas {
		marker := "  "
		if m.ID == session.ActiveSession {
			marker = CommandStyle.Render("* ")
		}
		fmt.Printf("%s%s  %s\n",
			marker,
			CommandStyle.Render(fmt.Sprintf("%-12s", m.ID)),
			InfoStyle.Render(fmt.Sprintf("%d messages, updated %s", m.MessageCount, m.UpdatedAt.Format("2006-01-02 15:04"))))
	}
	fmt.Println()
}

// printHistory prints the active session's conversation history.
func printHistory(session *ChatSession) {
	history, err := session.Bridge.History(session.ActiveSession)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		return
	}
	if len(history) == 0 {
		fmt.Println(InfoStyle.Render("[No messages yet]"))
		return
	}

	fmt.Println()
	fmt.Println(TitleStyle.Render("Conversation History"))
	fmt.Println(RenderSeparator(25))
	fmt.Println()

	for i, msg := range history {
		role := msg.Role
		switch role {
		case "user":
			role = PromptStyle.Render("You")
		case "assistant":
			role = TitleStyle.Render("AI")
		case "system":
			role = WarningStyle.Render("System")
		}

		var badges []string
		if msg.Recovered {
			badges = append(badges, BadgeStyle.Render("[recovered]"))
		}
		if msg.Incomplete {
			badges = append(badges, BadgeStyle.Render("[incomplete]"))
		}

		// Rune-based truncation keeps multibyte text intact.
		content := util.TruncateRunes(msg.Text, 100)
		content = strings.ReplaceAll(content, "\n", " ")

		line := fmt.Sprintf("  %d. %s: %s", i+1, role, content)
		if len(badges) > 0 {
			line += " " + strings.Join(badges, " ")
		}
		fmt.Println(line)
	}

	fmt.Println()
}

// printStatus prints session statistics.
func printStatus(session *ChatSession) {
	count, err := session.Bridge.MessageCount(session.ActiveSession)
	if err != nil {
		count = 0
	}
	elapsed := time.Since(session.StartTime).Round(time.Second)

	session.mu.Lock()
	turns, cancelled, failed := session.turns, session.cancelled, session.failed
	session.mu.Unlock()

	fmt.Println()
	fmt.Println(TitleStyle.Render("Session Status"))
	fmt.Println(RenderSeparator(20))
	fmt.Println()
	fmt.Printf("  %s %s\n", InfoStyle.Render("Session:"), CommandStyle.Render(session.ActiveSession))
	fmt.Printf("  %s %s\n", InfoStyle.Render("Duplex:"), renderChannelState(session.Channel.State()))
	fmt.Printf("  %s %d messages\n", InfoStyle.Render("History:"), count)
	fmt.Printf("  %s %s\n", InfoStyle.Render("Duration:"), elapsed.String())
	fmt.Println()
	fmt.Println(InfoStyle.Render("Turns:"))
	fmt.Printf("  %s %d (%d cancelled, %d failed)\n", InfoStyle.Render("Submitted:"), turns, cancelled, failed)
	fmt.Println()
}

func renderChannelState(st duplex.State) string {
	switch st {
	case duplex.StateOpen:
		return CommandStyle.Render("connected")
	case duplex.StateConnecting:
		return WarningStyle.Render("connecting")
	default:
		return DimStyle.Render("closed")
	}
}

// printExitSummary prints the session summary on exit.
func printExitSummary(session *ChatSession) {
	session.mu.Lock()
	turns, cancelled, failed := session.turns, session.cancelled, session.failed
	session.mu.Unlock()

	if turns == 0 {
		fmt.Println(InfoStyle.Render("Goodbye!"))
		return
	}

	elapsed := time.Since(session.StartTime).Round(time.Second)

	fmt.Println()
	fmt.Println(TitleStyle.Render("Session Summary"))
	fmt.Println(RenderSeparator(15))
	fmt.Printf("  %s %d (%d cancelled, %d failed)\n", InfoStyle.Render("Turns:"), turns, cancelled, failed)
	fmt.Printf("  %s %s\n", InfoStyle.Render("Duration:"), elapsed.String())
	fmt.Println()
	fmt.Println(InfoStyle.Render("Goodbye!"))
}

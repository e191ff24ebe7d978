package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/stella/internal/app"
	"github.com/ent0n29/stella/internal/observability"
	"github.com/ent0n29/stella/internal/session"
	"github.com/ent0n29/stella/internal/voice"
)

var talkCmd = &cobra.Command{
	Use:   "talk",
	Short: "Start a push-to-talk voice session against the stella service",
	Long: `Press Enter to start recording and Enter again to send.

Commands: s stop response, p pause/resume playback, n new session,
l list sessions, w <n> switch to session n, r reconnect, q quit.`,
	RunE: runTalk,
}

type command int

const (
	cmdUnknown command = iota
	cmdToggleMic
	cmdStop
	cmdPlayback
	cmdNewSession
	cmdListSessions
	cmdSwitchSession
	cmdReconnect
	cmdQuit
)

func parseCommand(line string) (command, int) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return cmdToggleMic, 0
	}
	switch fields[0] {
	case "t":
		return cmdToggleMic, 0
	case "s":
		return cmdStop, 0
	case "p":
		return cmdPlayback, 0
	case "n":
		return cmdNewSession, 0
	case "l":
		return cmdListSessions, 0
	case "w":
		if len(fields) < 2 {
			return cmdUnknown, 0
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			return cmdUnknown, 0
		}
		return cmdSwitchSession, n
	case "r":
		return cmdReconnect, 0
	case "q", "quit", "exit":
		return cmdQuit, 0
	default:
		return cmdUnknown, 0
	}
}

func runTalk(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.BuildClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}()

	out := &printer{w: cmd.OutOrStdout(), sessions: built.Sessions}
	orch := built.Orchestrator
	orch.OnSnapshot(out.render)

	if err := orch.Connect(ctx, built.Credentials); err != nil {
		fmt.Fprintln(out.w, "Connect failed; press r to retry.")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		}

		c, arg := parseCommand(line)
		switch c {
		case cmdToggleMic:
			orch.ToggleMic(ctx)
		case cmdStop:
			orch.StopResponse()
		case cmdPlayback:
			orch.TogglePlayback()
		case cmdNewSession:
			if s, err := orch.NewSession(ctx); err != nil {
				fmt.Fprintf(out.w, "New session failed: %v\n", err)
			} else {
				fmt.Fprintf(out.w, "Switched to %q\n", s.Title)
			}
		case cmdListSessions:
			out.listSessions()
		case cmdSwitchSession:
			out.switchSession(orch, arg)
		case cmdReconnect:
			if err := orch.Reconnect(ctx); err != nil {
				logger.Warn("reconnect failed", "error", err)
			}
		case cmdQuit:
			return nil
		default:
			fmt.Fprintln(out.w, "Unknown command. Enter toggles the mic; q quits.")
		}
	}
}

// printer renders orchestrator snapshots as terminal lines, printing only
// what changed since the previous snapshot.
type printer struct {
	w        io.Writer
	sessions *session.Store

	mu   sync.Mutex
	last voice.Snapshot
}

func (p *printer) render(s voice.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.last
	p.last = s

	if s.LiveTranscript != prev.LiveTranscript && s.LiveTranscript != "" {
		fmt.Fprintf(p.w, "  you: %s\n", s.LiveTranscript)
	}
	if s.Status != prev.Status && s.Status != "" {
		fmt.Fprintf(p.w, "[%s] %s\n", s.State, s.Status)
		if s.Status == voice.StatusComplete {
			p.printReply()
		}
	}
	if s.Error != prev.Error && s.Error != "" {
		fmt.Fprintf(p.w, "error: %s\n", s.Error)
		if s.Verbose != "" {
			fmt.Fprintf(p.w, "  %s\n", s.Verbose)
		}
	}
}

func (p *printer) printReply() {
	msgs := p.sessions.Messages(p.sessions.ActiveID())
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleAssistant {
			fmt.Fprintf(p.w, "  stella: %s\n", msgs[i].Text)
			return
		}
	}
}

func (p *printer) listSessions() {
	active := p.sessions.ActiveID()
	for i, s := range p.sessions.List() {
		marker := " "
		if s.ID == active {
			marker = "*"
		}
		fmt.Fprintf(p.w, "%s %d) %s (%d messages)\n", marker, i+1, s.Title, len(s.Messages))
	}
}

func (p *printer) switchSession(orch *voice.Orchestrator, n int) {
	list := p.sessions.List()
	if n > len(list) {
		fmt.Fprintf(p.w, "No session %d.\n", n)
		return
	}
	if err := orch.SwitchSession(list[n-1].ID); err != nil {
		fmt.Fprintf(p.w, "Switch failed: %v\n", err)
		return
	}
	fmt.Fprintf(p.w, "Switched to %q\n", list[n-1].Title)
}


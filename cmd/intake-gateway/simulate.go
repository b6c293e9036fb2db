// ABOUTME: The simulate command plays a scripted interview against an in-memory session
// ABOUTME: Model responses come from the script; user lines are sent whenever the session goes idle

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/2389/intake-gateway/internal/conversation"
	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/transport"
)

const (
	defaultSimulationTimeout = 2 * time.Minute
	idlePollInterval         = 25 * time.Millisecond
)

// simulation is a model script plus the user's side of the conversation.
type simulation struct {
	transport.Script `yaml:",inline"`

	// User lines are sent in order, one each time the session is idle.
	User    []string `yaml:"user"`
	Kickoff string   `yaml:"kickoff"`
	Timeout string   `yaml:"timeout"`
}

func loadSimulation(path string) (*simulation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading simulation: %w", err)
	}
	var sim simulation
	if err := yaml.Unmarshal(data, &sim); err != nil {
		return nil, fmt.Errorf("parsing simulation: %w", err)
	}
	return &sim, nil
}

func runSimulate(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: intake-gateway simulate <script.yaml>")
	}
	sim, err := loadSimulation(args[0])
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)
	if sim.Kickoff == "" {
		sim.Kickoff = cfg.Session.Kickoff
	}
	return simulate(ctx, os.Stdout, sim, logger)
}

// simulate runs sim to completion, writing the conversation to w. It returns
// once every user line has been sent and the session is idle again.
func simulate(ctx context.Context, w io.Writer, sim *simulation, logger *slog.Logger) error {
	timeout := defaultSimulationTimeout
	if sim.Timeout != "" {
		d, err := time.ParseDuration(sim.Timeout)
		if err != nil {
			return fmt.Errorf("parsing timeout %q: %w", sim.Timeout, err)
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script := sim.Script
	sess, err := conversation.New(conversation.Config{
		SessionID: "simulation",
		Transport: transport.NewScripted(&script),
		Kickoff:   sim.Kickoff,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	broadcaster := conversation.NewEventBroadcaster(logger)
	broadcaster.Attach(sess.ID(), sess.Bus())

	subCtx, unsubscribe := context.WithCancel(context.Background())
	ch, _ := broadcaster.Subscribe(subCtx, sess.ID())
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		p := &printer{w: w}
		for ev := range ch {
			p.print(ev)
		}
	}()

	runErr := drive(ctx, sess, sim.User, logger)

	closeErr := sess.Close(context.Background())
	unsubscribe()
	<-printed
	broadcaster.Close()

	return errors.Join(runErr, closeErr)
}

// drive starts the session and feeds it user lines whenever it settles.
func drive(ctx context.Context, sess *conversation.Session, lines []string, logger *slog.Logger) error {
	if _, err := sess.Start(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	settled := 0
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("simulation did not finish: %w", ctx.Err())
		case <-ticker.C:
		}

		// Nobody is at the keyboard, so every card is declined.
		for _, wait := range sess.PendingWaits() {
			logger.Debug("dismissing card", "tool", wait.ToolName, "token", wait.Token)
			err := sess.HandleUserAction(ctx, conversation.Action{Kind: conversation.ActionDismiss, Token: wait.Token})
			if err != nil {
				logger.Debug("dismiss failed", "token", wait.Token, "error", err)
			}
		}

		if !idle(sess) {
			settled = 0
			continue
		}
		// Two consecutive idle polls rule out the gap between a stream
		// completing and its follow-up turn being queued.
		if settled++; settled < 2 {
			continue
		}
		if len(lines) == 0 {
			return nil
		}
		if err := sess.SendUserMessage(ctx, lines[0]); err != nil {
			return fmt.Errorf("sending user message: %w", err)
		}
		lines = lines[1:]
		settled = 0
	}
}

func idle(sess *conversation.Session) bool {
	q := sess.QueueState()
	return !q.InFlight && q.Queued == 0 && !q.BatchOpen && !q.RetryPending && len(sess.PendingWaits()) == 0
}

// printer renders bus events as a readable transcript.
type printer struct {
	w         io.Writer
	streaming bool
}

func (p *printer) endStream() {
	if p.streaming {
		fmt.Fprintln(p.w)
		p.streaming = false
	}
}

func (p *printer) print(ev events.Event) {
	switch pl := ev.Payload.(type) {
	case events.TextDelta:
		if !p.streaming {
			fmt.Fprint(p.w, color.CyanString("assistant> "))
			p.streaming = true
		}
		fmt.Fprint(p.w, pl.Text)
	case events.StreamFinalized:
		if pl.Partial {
			fmt.Fprint(p.w, color.YellowString(" [interrupted]"))
		}
		p.endStream()
	case events.UserMessageRecorded:
		p.endStream()
		fmt.Fprintf(p.w, "%s%s\n", color.GreenString("user> "), pl.Text)
	case events.ToolCallRequested:
		p.endStream()
		fmt.Fprintf(p.w, "%s %s %s\n", color.MagentaString("  tool"), pl.Name, string(pl.Arguments))
	case events.ToolRejected:
		p.endStream()
		fmt.Fprintf(p.w, "%s %s: %s (%s)\n", color.RedString("  rejected"), pl.ToolName, pl.Reason, pl.Code)
	case events.PhaseChanged:
		p.endStream()
		fmt.Fprintf(p.w, "%s %s -> %s\n", color.HiBlackString("  phase"), pl.From, pl.To)
	case events.TransportRecovery:
		p.endStream()
		fmt.Fprintf(p.w, "%s %s\n", color.YellowString("  recovery"), pl.Action)
	}
}

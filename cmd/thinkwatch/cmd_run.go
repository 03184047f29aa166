package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"thinkwatch/internal/classifier"
	"thinkwatch/internal/events"
	"thinkwatch/internal/logging"
	"thinkwatch/internal/monitor"
	"thinkwatch/internal/stream"
	"thinkwatch/internal/supervisor"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	listenAddr string
	workers    int
	showOK     bool
)

// runCmd starts the proxy and supervises reasoning until interrupted
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy and supervise reasoning streams",
	Long: `Starts the local proxy, forwards traffic to the upstream API and prints
alerts as reasoning chunks are analyzed. Stops on SIGINT/SIGTERM, waits for
in-flight analyses and persists learned patterns and session stats.

Without an API key the supervisors fall back to keyword checks only.`,
	RunE: runMonitor,
}

func init() {
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides proxy.listen)")
	runCmd.Flags().IntVar(&workers, "workers", 4, "Concurrent chunk analyses")
	runCmd.Flags().BoolVar(&showOK, "show-ok", false, "Also print ok verdicts")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, ws, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Proxy.Listen = listenAddr
	}
	if err := logging.Initialize(ws, cfg.Logging.ToLogging()); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseAll()

	var cls classifier.Classifier
	var metered *classifier.Metered
	if cfg.Classifier.APIKey != "" {
		client := classifier.NewAnthropicClient(classifier.AnthropicConfig{
			APIKey:     cfg.Classifier.APIKey,
			BaseURL:    cfg.Classifier.BaseURL,
			FastModel:  cfg.Classifier.FastModel,
			DeepModel:  cfg.Classifier.DeepModel,
			Timeout:    cfg.GetClassifierTimeout(),
			MaxRetries: 2,
		})
		metered = classifier.NewMetered(client, classifier.Pricing{
			FastPerMTok: cfg.Classifier.FastCostPerMTok,
			DeepPerMTok: cfg.Classifier.DeepCostPerMTok,
		})
		cls = metered
	} else {
		logger.Warn("No API key configured, running keyword checks only")
	}

	kv, err := openStore(ws, cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	watched := resolveConfigPath(ws)
	if !fileExists(watched) {
		watched = ""
	}
	m, err := monitor.New(monitor.Options{
		Config:     cfg,
		Classifier: cls,
		Store:      kv,
		ConfigPath: watched,
		Workers:    workers,
	})
	if err != nil {
		return err
	}

	if cfg.Events.NATSURL != "" {
		sink, err := events.DialNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			logger.Warn("NATS sink unavailable", zap.Error(err))
		} else {
			sink.Attach(m.Bus())
			defer sink.Close()
		}
	}

	sub := m.Bus().Subscribe(
		events.KindSessionStart,
		events.KindSessionEnd,
		events.KindVerdict,
		events.KindEscalationComplete,
		events.KindPatternLearned,
	)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(cmd.OutOrStdout(), sub, showOK)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting thinkwatch",
		zap.String("listen", cfg.Proxy.Listen),
		zap.String("upstream", cfg.Proxy.UpstreamHost),
		zap.Int("rules", len(cfg.Rules)))
	fmt.Fprintf(cmd.OutOrStdout(), "thinkwatch listening on %s -> %s\n", cfg.Proxy.Listen, cfg.Proxy.UpstreamHost)

	runErr := m.Run(ctx)
	// Run closes the bus it owns, which ends the printer.
	<-printed

	ps := m.ProxyStats()
	logger.Info("Stopped",
		zap.Int64("requests", ps.Requests),
		zap.Int64("streams", ps.Streams),
		zap.Int64("dropped_chunks", m.DroppedChunks()))
	if metered != nil {
		printCost(cmd.OutOrStdout(), metered.Snapshot())
	}
	return runErr
}

var (
	styleCritical = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	styleHigh     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208"))
	styleMedium   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	styleLow      = lipgloss.NewStyle().Foreground(lipgloss.Color("117"))
	styleOK       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleDim      = lipgloss.NewStyle().Faint(true)
)

func severityStyle(s supervisor.Severity) lipgloss.Style {
	switch s {
	case supervisor.SeverityCritical:
		return styleCritical
	case supervisor.SeverityHigh:
		return styleHigh
	case supervisor.SeverityMedium:
		return styleMedium
	case supervisor.SeverityLow:
		return styleLow
	}
	return styleOK
}

func printEvents(w io.Writer, sub *events.Subscription, withOK bool) {
	for ev := range sub.C {
		if line := formatEvent(ev, withOK); line != "" {
			fmt.Fprintln(w, line)
		}
	}
}

// formatEvent renders one event as a single line, or "" to skip it.
func formatEvent(ev events.Event, withOK bool) string {
	ts := styleDim.Render(ev.Time.Format("15:04:05"))
	switch p := ev.Payload.(type) {
	case stream.StreamSession:
		return fmt.Sprintf("%s session %s started (%s)", ts, p.SessionID, p.ModelName)
	case stream.SessionEnded:
		return fmt.Sprintf("%s session %s ended: %s, %d chunks in %s", ts, p.Session.SessionID, p.Reason, p.ChunkCount, p.Duration.Round(time.Millisecond))
	case monitor.Verdict:
		r := p.Result
		if !r.IsAlert() {
			if !withOK {
				return ""
			}
			return fmt.Sprintf("%s %s %s", ts, styleOK.Render("ok"), styleDim.Render(r.SupervisorName))
		}
		tag := severityStyle(r.Severity).Render("[" + strings.ToUpper(r.Severity.String()) + "]")
		line := fmt.Sprintf("%s %s %s: %s (confidence %.0f", ts, tag, r.SupervisorName, r.Message, p.Confidence)
		if p.Escalated {
			line += ", " + p.Outcome
		}
		line += ")"
		if r.ThinkingSnippet != "" {
			line += "\n    " + styleDim.Render(r.ThinkingSnippet)
		}
		return line
	case monitor.EscalationComplete:
		return fmt.Sprintf("%s escalation %s (%.0f): %s", ts, p.Verdict, p.Confidence, p.Reason)
	case monitor.PatternLearned:
		if p.Escalation != nil {
			return fmt.Sprintf("%s learned pattern %q -> %s", ts, p.Escalation.Trigger, p.Escalation.CorrectDecision)
		}
		if p.Phrase != nil {
			return fmt.Sprintf("%s suggested phrase [%s] %q (thinkwatch patterns confirm %s %q)",
				ts, p.Phrase.Category, p.Phrase.Phrase, p.Phrase.Category, p.Phrase.Phrase)
		}
	}
	return ""
}

func printCost(w io.Writer, snap map[classifier.Tier]classifier.TierStats) {
	tiers := make([]classifier.Tier, 0, len(snap))
	for t := range snap {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	for _, t := range tiers {
		s := snap[t]
		if s.Calls == 0 {
			continue
		}
		fmt.Fprintf(w, "%s tier: %d calls, %d failed, ~$%.4f\n", t, s.Calls, s.Failures, s.EstimatedCost)
	}
}

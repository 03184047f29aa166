package main

import (
	"fmt"
	"io"
	"strings"

	"thinkwatch/internal/config"
	"thinkwatch/internal/escalation"
	"thinkwatch/internal/learning"
	"thinkwatch/internal/monitor"
	"thinkwatch/internal/store"
	"thinkwatch/internal/supervisor"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// confirmedPatternConfidence is the escalation confidence given to a phrase
// an operator confirmed by hand.
const confirmedPatternConfidence = 90

var styleHeader = lipgloss.NewStyle().Bold(true).Underline(true)

// patternsCmd groups the learned pattern commands
var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Review learned escalation patterns and phrase suggestions",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learned escalation patterns and tracked phrases",
	Args:  cobra.NoArgs,
	RunE:  listPatterns,
}

var patternsSuggestionsCmd = &cobra.Command{
	Use:   "suggestions",
	Short: "List phrases seen often enough to review",
	Args:  cobra.NoArgs,
	RunE:  listSuggestions,
}

var patternsConfirmCmd = &cobra.Command{
	Use:   "confirm [category] [phrase]",
	Short: "Confirm a phrase so the fast path matches it",
	Long: `Confirms a suggested phrase. The phrase becomes a trigger of its category's
specialist and an escalation pattern that settles matching alerts without
a deep-tier call.

Example:
  thinkwatch patterns confirm procrastination "testes para depois"`,
	Args: cobra.MinimumNArgs(2),
	RunE: confirmPattern,
}

var patternsRejectCmd = &cobra.Command{
	Use:   "reject [category] [phrase]",
	Short: "Reject a phrase so it is never suggested again",
	Args:  cobra.MinimumNArgs(2),
	RunE:  rejectPattern,
}

var patternsRemoveCmd = &cobra.Command{
	Use:   "remove [pattern-id]",
	Short: "Remove a learned escalation pattern",
	Args:  cobra.ExactArgs(1),
	RunE:  removePattern,
}

// statsCmd shows per-session statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show statistics of recent monitored sessions",
	Args:  cobra.NoArgs,
	RunE:  showStats,
}

func init() {
	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsSuggestionsCmd)
	patternsCmd.AddCommand(patternsConfirmCmd)
	patternsCmd.AddCommand(patternsRejectCmd)
	patternsCmd.AddCommand(patternsRemoveCmd)
}

// patternState is the persisted learning state opened for one command.
type patternState struct {
	kv      *store.SQLiteStore
	engine  *escalation.Engine
	learner *learning.Learner
}

func openPatterns() (*patternState, error) {
	cfg, ws, err := loadConfig()
	if err != nil {
		return nil, err
	}
	kv, err := openStore(ws, cfg)
	if err != nil {
		return nil, err
	}
	st := &patternState{
		kv:      kv,
		engine:  escalation.NewEngine(escalation.OptionsFromConfig(cfg), nil),
		learner: learning.NewLearner(learning.OptionsFromConfig(cfg)),
	}
	if err := st.engine.Load(kv); err != nil {
		kv.Close()
		return nil, err
	}
	if err := st.learner.Load(kv); err != nil {
		kv.Close()
		return nil, err
	}
	return st, nil
}

func (st *patternState) save() error {
	if err := st.engine.Save(st.kv); err != nil {
		return err
	}
	return st.learner.Save(st.kv)
}

func listPatterns(cmd *cobra.Command, args []string) error {
	st, err := openPatterns()
	if err != nil {
		return err
	}
	defer st.kv.Close()

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, styleHeader.Render("Escalation patterns"))
	patterns := st.engine.Patterns()
	if len(patterns) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, p := range patterns {
		fmt.Fprintf(w, "  %s  %-5s %3.0f  used %-3d %q\n",
			shortID(p.ID), p.CorrectDecision, p.Confidence, p.UsageCount, p.Trigger)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, styleHeader.Render("Phrases"))
	writePhrases(w, st.learner.All())
	return nil
}

func listSuggestions(cmd *cobra.Command, args []string) error {
	st, err := openPatterns()
	if err != nil {
		return err
	}
	defer st.kv.Close()
	writePhrases(cmd.OutOrStdout(), st.learner.Suggestions())
	return nil
}

func writePhrases(w io.Writer, ps []learning.Pattern) {
	if len(ps) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	for _, p := range ps {
		state := "suggested"
		switch {
		case p.Confirmed:
			state = styleOK.Render("confirmed")
		case p.Rejected:
			state = styleDim.Render("rejected")
		}
		fmt.Fprintf(w, "  %-17s %4d  %-10s %q\n", p.Category, p.Count, state, p.Phrase)
	}
}

func confirmPattern(cmd *cobra.Command, args []string) error {
	category, phrase := args[0], strings.Join(args[1:], " ")
	st, err := openPatterns()
	if err != nil {
		return err
	}
	defer st.kv.Close()

	p, err := st.learner.Confirm(category, phrase)
	if err != nil {
		return err
	}
	lp, err := st.engine.MergePattern(p.Phrase, category, supervisor.StatusAlert, confirmedPatternConfidence)
	if err != nil {
		return err
	}
	if err := st.save(); err != nil {
		return err
	}
	logger.Debug("Pattern confirmed", zap.String("category", category), zap.String("phrase", p.Phrase), zap.String("pattern", lp.ID))
	fmt.Fprintf(cmd.OutOrStdout(), "confirmed [%s] %q (pattern %s)\n", category, p.Phrase, shortID(lp.ID))
	return nil
}

func rejectPattern(cmd *cobra.Command, args []string) error {
	category, phrase := args[0], strings.Join(args[1:], " ")
	st, err := openPatterns()
	if err != nil {
		return err
	}
	defer st.kv.Close()

	if err := st.learner.Reject(category, phrase); err != nil {
		return err
	}
	if err := st.save(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rejected [%s] %q\n", category, phrase)
	return nil
}

func removePattern(cmd *cobra.Command, args []string) error {
	st, err := openPatterns()
	if err != nil {
		return err
	}
	defer st.kv.Close()

	id := args[0]
	for _, p := range st.engine.Patterns() {
		if strings.HasPrefix(p.ID, id) {
			id = p.ID
			break
		}
	}
	if !st.engine.RemovePattern(id) {
		return fmt.Errorf("no pattern %q", args[0])
	}
	if err := st.save(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", shortID(id))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func showStats(cmd *cobra.Command, args []string) error {
	cfg, ws, err := loadConfig()
	if err != nil {
		return err
	}
	kv, err := openStore(ws, cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	sessions, err := monitor.LoadStats(kv)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions recorded")
		return nil
	}
	fmt.Fprintln(w, styleHeader.Render("Sessions"))
	var chunks, alerts int
	for _, s := range sessions {
		end := s.EndReason
		if end == "" {
			end = "open"
		}
		fmt.Fprintf(w, "  %s  %-24s %s  chunks %-4d alerts %-3d escalated %-3d overridden %-3d tokens %d/%d  %s\n",
			s.StartedAt.Format("2006-01-02 15:04"), s.SessionID, s.Model,
			s.Chunks, s.Alerts, s.Escalations, s.Overrides, s.InputTokens, s.OutputTokens, end)
		chunks += s.Chunks
		alerts += s.Alerts
	}
	fmt.Fprintf(w, "%d sessions, %d chunks, %d alerts\n", len(sessions), chunks, alerts)
	return nil
}

// configCmd groups configuration commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the configuration file",
}

var forceInit bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  showConfig,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Args:  cobra.NoArgs,
	RunE:  initConfig,
}

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func showConfig(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Classifier.APIKey != "" {
		cfg.Classifier.APIKey = "<redacted>"
	}
	data, err := cfg.Marshal(configFormat())
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func configFormat() string {
	if strings.HasSuffix(strings.ToLower(configPath), ".toml") {
		return "toml"
	}
	return "yaml"
}

func initConfig(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return fmt.Errorf("failed to resolve workspace: %w", err)
	}
	path := resolveConfigPath(ws)
	if fileExists(path) && !forceInit {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

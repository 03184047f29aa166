package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"thinkwatch/internal/config"
	"thinkwatch/internal/escalation"
	"thinkwatch/internal/events"
	"thinkwatch/internal/learning"
	"thinkwatch/internal/monitor"
	"thinkwatch/internal/store"
	"thinkwatch/internal/stream"
	"thinkwatch/internal/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command against workspace ws.
func execute(t *testing.T, ws string, args ...string) (string, error) {
	t.Helper()
	verbose, configPath, forceInit = false, "", false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"-w", ws}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func openTestStore(t *testing.T, ws string) *store.SQLiteStore {
	t.Helper()
	kv, err := store.Open(storePath(ws, config.DefaultConfig()))
	require.NoError(t, err)
	return kv
}

func TestConfigInitAndShow(t *testing.T) {
	t.Setenv("THINKWATCH_DB", "")
	ws := t.TempDir()

	out, err := execute(t, ws, "config", "init")
	require.NoError(t, err)
	path := config.DefaultPath(ws)
	assert.Contains(t, out, path)
	assert.FileExists(t, path)

	_, err = execute(t, ws, "config", "init")
	assert.ErrorContains(t, err, "already exists")
	_, err = execute(t, ws, "config", "init", "--force")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(ws, ".env"), []byte("ANTHROPIC_API_KEY=sk-test\n"), 0600))
	t.Setenv("ANTHROPIC_API_KEY", "")
	require.NoError(t, os.Unsetenv("ANTHROPIC_API_KEY"))
	out, err = execute(t, ws, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "upstream_host: api.anthropic.com")
	assert.Contains(t, out, "<redacted>")
	assert.NotContains(t, out, "sk-test")
}

func TestPatternsWorkflow(t *testing.T) {
	t.Setenv("THINKWATCH_DB", "")
	ws := t.TempDir()

	kv := openTestStore(t, ws)
	l := learning.NewLearner(learning.OptionsFromConfig(config.DefaultConfig()))
	for i := 0; i < 3; i++ {
		l.Record(supervisor.KindProcrastination, "Deixo os testes para depois.")
	}
	require.NoError(t, l.Save(kv))
	require.NoError(t, kv.Close())

	out, err := execute(t, ws, "patterns", "suggestions")
	require.NoError(t, err)
	assert.Contains(t, out, `"testes para depois"`)

	out, err = execute(t, ws, "patterns", "confirm", "procrastination", "Testes", "para", "depois")
	require.NoError(t, err)
	assert.Contains(t, out, `confirmed [procrastination] "testes para depois"`)

	_, err = execute(t, ws, "patterns", "reject", "procrastination", "deixo os testes")
	require.NoError(t, err)
	_, err = execute(t, ws, "patterns", "reject", "procrastination", "never seen")
	assert.ErrorIs(t, err, learning.ErrUnknownPattern)

	kv = openTestStore(t, ws)
	engine := escalation.NewEngine(escalation.Options{}, nil)
	require.NoError(t, engine.Load(kv))
	loaded := learning.NewLearner(learning.OptionsFromConfig(config.DefaultConfig()))
	require.NoError(t, loaded.Load(kv))
	require.NoError(t, kv.Close())

	require.Len(t, engine.Patterns(), 1)
	p := engine.Patterns()[0]
	assert.Equal(t, "testes para depois", p.Trigger)
	assert.Equal(t, supervisor.StatusAlert, p.CorrectDecision)
	assert.Equal(t, []string{"testes para depois"}, loaded.ActivePhrases(supervisor.KindProcrastination))

	out, err = execute(t, ws, "patterns", "list")
	require.NoError(t, err)
	assert.Contains(t, out, shortID(p.ID))
	assert.Contains(t, out, "confirmed")
	assert.Contains(t, out, "rejected")

	_, err = execute(t, ws, "patterns", "remove", shortID(p.ID))
	require.NoError(t, err)
	_, err = execute(t, ws, "patterns", "remove", shortID(p.ID))
	assert.ErrorContains(t, err, "no pattern")
}

func TestStats(t *testing.T) {
	t.Setenv("THINKWATCH_DB", "")
	ws := t.TempDir()

	out, err := execute(t, ws, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "no sessions recorded")

	kv := openTestStore(t, ws)
	require.NoError(t, kv.Set(monitor.StatsKey, []monitor.SessionStats{
		{SessionID: "msg_42", Model: "claude-test", StartedAt: time.Now(), Chunks: 3, Alerts: 1, EndReason: "message_stop"},
		{SessionID: "msg_43", Model: "claude-test", StartedAt: time.Now(), Chunks: 2},
	}))
	require.NoError(t, kv.Close())

	out, err = execute(t, ws, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "msg_42")
	assert.Contains(t, out, "message_stop")
	assert.Contains(t, out, "open")
	assert.Contains(t, out, "2 sessions, 5 chunks, 1 alerts")
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 14, 5, 9, 0, time.UTC)
	alert := supervisor.Result{
		Status:          supervisor.StatusAlert,
		Severity:        supervisor.SeverityHigh,
		SupervisorName:  "Behavior > Scope Reduction",
		Message:         "only the main part",
		ThinkingSnippet: "so a parte principal",
	}
	phrase := learning.Pattern{Phrase: "testes para depois", Category: "procrastination"}

	tests := map[string]struct {
		ev     events.Event
		withOK bool
		want   []string
	}{
		"session start": {
			ev:   events.Event{Kind: events.KindSessionStart, Payload: stream.StreamSession{SessionID: "msg_1", ModelName: "claude-test"}},
			want: []string{"14:05:09", "session msg_1 started (claude-test)"},
		},
		"session end": {
			ev:   events.Event{Kind: events.KindSessionEnd, Payload: stream.SessionEnded{Session: stream.StreamSession{SessionID: "msg_1"}, Reason: "message_stop", ChunkCount: 2, Duration: 1500 * time.Millisecond}},
			want: []string{"session msg_1 ended: message_stop, 2 chunks in 1.5s"},
		},
		"alert": {
			ev:   events.Event{Kind: events.KindVerdict, Payload: monitor.Verdict{Result: alert, Confidence: 92, Escalated: true, Outcome: "confirm"}},
			want: []string{"[HIGH]", "Behavior > Scope Reduction: only the main part (confidence 92, confirm)", "so a parte principal"},
		},
		"ok shown": {
			ev:     events.Event{Kind: events.KindVerdict, Payload: monitor.Verdict{Result: supervisor.Result{Status: supervisor.StatusOK, SupervisorName: "Router"}}},
			withOK: true,
			want:   []string{"ok", "Router"},
		},
		"phrase": {
			ev:   events.Event{Kind: events.KindPatternLearned, Payload: monitor.PatternLearned{Phrase: &phrase}},
			want: []string{`thinkwatch patterns confirm procrastination "testes para depois"`},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			tt.ev.Time = at
			got := formatEvent(tt.ev, tt.withOK)
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
		})
	}

	ok := events.Event{Kind: events.KindVerdict, Time: at, Payload: monitor.Verdict{Result: supervisor.Result{Status: supervisor.StatusOK}}}
	assert.Empty(t, formatEvent(ok, false))
	assert.Empty(t, formatEvent(events.Event{Kind: events.KindUsage, Time: at, Payload: stream.UsageUpdated{}}, true))
}

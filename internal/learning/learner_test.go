package learning

import (
	"testing"
	"time"

	"thinkwatch/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deferTests = "Deixo os testes para depois."

func phrases(ps []Pattern) []string {
	var out []string
	for _, p := range ps {
		out = append(out, p.Phrase)
	}
	return out
}

func TestRecord_SurfacesAtMinOccurrences(t *testing.T) {
	l := NewLearner(Options{NGramMin: 2, NGramMax: 5, MinOccurrences: 3})

	assert.Empty(t, l.Record("procrastination", deferTests))
	assert.Empty(t, l.Record("procrastination", deferTests))
	surfaced := l.Record("procrastination", deferTests)

	want := []string{"deixo os testes", "deixo os testes para depois", "testes para depois"}
	assert.Equal(t, want, phrases(surfaced))
	assert.Equal(t, want, phrases(l.Suggestions()))
	assert.Empty(t, l.ActivePhrases("procrastination"))

	assert.Empty(t, l.Record("procrastination", deferTests), "only surfaced once")
}

func TestRecord_CountsOncePerCall(t *testing.T) {
	l := NewLearner(Options{NGramMin: 2, NGramMax: 2, MinOccurrences: 3})
	l.Record("x", "testes depois testes depois")
	all := l.All()
	require.NotEmpty(t, all)
	for _, p := range all {
		assert.Equal(t, 1, p.Count, p.Phrase)
	}
}

func TestRecord_CategoriesAreSeparate(t *testing.T) {
	l := NewLearner(Options{MinOccurrences: 1})
	l.Record("a", "parte principal")
	l.Record("a", "parte principal")
	l.Record("b", "parte principal")
	assert.Len(t, l.All(), 2)
	assert.Equal(t, []string{"parte principal"}, l.ActivePhrases("a"))
}

func TestConfirmRejectLifecycle(t *testing.T) {
	l := NewLearner(Options{NGramMin: 2, NGramMax: 5, MinOccurrences: 3})
	for i := 0; i < 3; i++ {
		l.Record("procrastination", deferTests)
	}

	p, err := l.Confirm("procrastination", "Testes para depois")
	require.NoError(t, err)
	assert.True(t, p.Confirmed)
	_, err = l.Confirm("procrastination", "testes para depois")
	require.NoError(t, err)
	assert.Equal(t, []string{"testes para depois"}, l.ActivePhrases("procrastination"))
	assert.Len(t, l.All(), 3, "confirming twice does not duplicate")

	require.NoError(t, l.Reject("procrastination", "deixo os testes"))
	assert.Equal(t, []string{"deixo os testes para depois"}, phrases(l.Suggestions()))

	for i := 0; i < 3; i++ {
		l.Record("procrastination", deferTests)
	}
	assert.Equal(t, []string{"deixo os testes para depois", "testes para depois"}, l.ActivePhrases("procrastination"),
		"frequent phrases become active; rejected stay out")

	_, err = l.Confirm("procrastination", "never seen")
	assert.ErrorIs(t, err, ErrUnknownPattern)
	assert.ErrorIs(t, l.Reject("other", "testes para depois"), ErrUnknownPattern)
}

func TestPrune(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewLearner(Options{MinOccurrences: 1, MaxAge: 30 * 24 * time.Hour, Now: func() time.Time { return now }})
	l.Record("x", "parte principal")
	l.Record("x", "testes unitarios")
	_, err := l.Confirm("x", "testes unitarios")
	require.NoError(t, err)

	now = now.AddDate(0, 0, 31)
	l.Record("x", "banco real")

	assert.Equal(t, 1, l.Prune())
	assert.ElementsMatch(t, []string{"testes unitarios", "banco real"}, phrases(l.All()))
}

func TestMaxPatternsCap(t *testing.T) {
	l := NewLearner(Options{NGramMin: 2, NGramMax: 2, MinOccurrences: 1, MaxPatterns: 2})
	l.Record("x", "alpha beta")
	l.Record("x", "alpha beta")
	l.Record("x", "gamma delta")
	l.Record("x", "epsilon zeta")

	got := phrases(l.All())
	assert.Len(t, got, 2)
	assert.Contains(t, got, "alpha beta")
}

func TestSaveLoad(t *testing.T) {
	kv := store.NewMemory()
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	l := NewLearner(Options{MinOccurrences: 1, Now: clock})
	l.Record("scope-reduction", "parte principal")
	_, err := l.Confirm("scope-reduction", "parte principal")
	require.NoError(t, err)
	require.NoError(t, l.Save(kv))

	loaded := NewLearner(Options{MinOccurrences: 1})
	require.NoError(t, loaded.Load(kv))
	assert.Equal(t, l.All(), loaded.All())
	assert.Equal(t, []string{"parte principal"}, loaded.ActivePhrases("scope-reduction"))
}

func TestUninformative(t *testing.T) {
	tests := map[string]struct {
		words []string
		want  bool
	}{
		"stop phrase":     {[]string{"vou", "fazer"}, true},
		"all stopwords":   {[]string{"de", "para"}, true},
		"ends on stop":    {[]string{"testes", "para"}, true},
		"short words":     {[]string{"xy", "zw"}, true},
		"informative":     {[]string{"parte", "principal"}, false},
		"inner stopwords": {[]string{"deixo", "os", "testes"}, false},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, uninformative(tt.words))
		})
	}
}

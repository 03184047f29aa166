package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractItems(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "numbered lines",
			text: "Please do:\n1. criar API\n2. escrever testes\n3) documentar",
			want: []string{"criar API", "escrever testes", "documentar"},
		},
		{
			name: "bullets",
			text: "- add login\n* add logout\n[ ] add signup",
			want: []string{"add login", "add logout", "add signup"},
		},
		{
			name: "compact enumeration",
			text: "faça 1) login 2) cadastro 3) logout",
			want: []string{"login", "cadastro", "logout"},
		},
		{
			name: "comma list after colon",
			text: "Implemente: login, cadastro e logout",
			want: []string{"login", "cadastro", "logout"},
		},
		{
			name: "english list",
			text: "add caching, retries and metrics.",
			want: []string{"add caching", "retries", "metrics"},
		},
		{
			name: "sentences",
			text: "Corrija o bug. Adicione testes.",
			want: []string{"Corrija o bug", "Adicione testes"},
		},
		{
			name: "single word",
			text: "refactor",
			want: []string{"refactor"},
		},
		{
			name: "empty",
			text: "   ",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractItems(tt.text))
		})
	}
}

func TestTaskTracker_SetRequestKeepsProgressForSameText(t *testing.T) {
	tr := NewTaskTracker()
	require.True(t, tr.SetRequest("1. login\n2. logout"))
	require.Equal(t, 1, tr.MarkCompleted([]string{"login"}))

	assert.False(t, tr.SetRequest("1. login\n2. logout"))
	assert.Equal(t, 1, tr.Snapshot().Completed())

	assert.True(t, tr.SetRequest("1. a b\n2. c d"))
	assert.Equal(t, 0, tr.Snapshot().Completed())
	assert.False(t, tr.SetRequest(""))
}

func TestTaskTracker_MarkCompletedFuzzy(t *testing.T) {
	tr := NewTaskTracker()
	tr.SetItems("req", []string{"Criar a API de usuários", "Escrever testes", "Documentar"})

	n := tr.MarkCompleted([]string{"criar a api de usuarios", "testes"})
	assert.Equal(t, 2, n)

	snap := tr.Snapshot()
	assert.Equal(t, 3, snap.Total())
	assert.Equal(t, 2, snap.Completed())
	require.Len(t, snap.Pending(), 1)
	assert.Equal(t, "Documentar", snap.Pending()[0].Text)
	assert.InDelta(t, 2.0/3.0, snap.Progress(), 1e-9)

	assert.Equal(t, 0, tr.MarkCompleted([]string{""}))
	assert.Equal(t, 1, tr.MarkAll())
	assert.Equal(t, 0, tr.MarkAll())
	assert.InDelta(t, 1.0, tr.Snapshot().Progress(), 1e-9)
}

func TestTaskSnapshot_EmptyProgress(t *testing.T) {
	assert.Equal(t, 0.0, TaskSnapshot{}.Progress())
}

package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"Vou fazer SÓ a parte principal!": "vou fazer so a parte principal",
		"  Concluído...  tudo,pronto  ":   "concluido tudo pronto",
		"ação/função":                     "acao funcao",
		"":                                "",
		"!!!":                             "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestContainsKeywordBoundaries(t *testing.T) {
	assert.True(t, ContainsKeyword("vou fazer só a parte principal", " so "))
	assert.True(t, ContainsKeyword("só isso", " so "))
	assert.False(t, ContainsKeyword("also this", " so "))
	assert.True(t, ContainsKeyword("Simplificando o fluxo", "simplific"))
	assert.False(t, ContainsKeyword("anything", ""))
}

func TestMatchAnyAndCount(t *testing.T) {
	kws := []string{"depois", "mais tarde", "later"}
	assert.Equal(t, "mais tarde", MatchAny("faço isso MAIS tarde", kws))
	assert.Equal(t, "", MatchAny("agora mesmo", kws))
	assert.Equal(t, 2, CountMatches("depois, mais tarde", kws))
}

func TestJaccardAndOverlap(t *testing.T) {
	assert.InDelta(t, 1.0, Jaccard("a b c", "C B A"), 1e-9)
	assert.InDelta(t, 0.25, Jaccard("a b", "b c d"), 1e-9)
	assert.Equal(t, 0.0, Jaccard("", ""))

	assert.InDelta(t, 2.0/3.0, Overlap("so parte principal", "vou fazer só a parte"), 1e-9)
	assert.Equal(t, 0.0, Overlap("", "x"))
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "ção", Prefix("çãoxyz", 3))
	assert.Equal(t, "ab", Prefix("ab", 10))
	assert.Equal(t, "", Prefix("ab", 0))
}

package facet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ids(names ...string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func TestCompute_CountsWithinAllowedSet(t *testing.T) {
	valueToIDs := map[string]map[string]bool{
		"go": ids("a", "b", "c"),
		"rs": ids("d"),
	}
	out := Compute(valueToIDs, ids("a", "b", "d"), 50)

	assert.Equal(t, []Value{{Value: "go", Count: 2}, {Value: "rs", Count: 1}}, out)
}

func TestCompute_DropsZeroCountValues(t *testing.T) {
	valueToIDs := map[string]map[string]bool{
		"go": ids("a"),
		"rs": ids("b"),
	}
	out := Compute(valueToIDs, ids("a"), 50)

	assert.Equal(t, []Value{{Value: "go", Count: 1}}, out)
}

func TestCompute_TruncatesToTopN(t *testing.T) {
	valueToIDs := map[string]map[string]bool{
		"a": ids("1", "2", "3"),
		"b": ids("4", "5"),
		"c": ids("6"),
	}
	out := Compute(valueToIDs, ids("1", "2", "3", "4", "5", "6"), 2)

	assert.Equal(t, []Value{{Value: "a", Count: 3}, {Value: "b", Count: 2}}, out)
}

func TestCompute_TiesBreakLexicographically(t *testing.T) {
	valueToIDs := map[string]map[string]bool{
		"zz": ids("a"),
		"aa": ids("b"),
	}
	out := Compute(valueToIDs, ids("a", "b"), 50)

	assert.Equal(t, []Value{{Value: "aa", Count: 1}, {Value: "zz", Count: 1}}, out)
}

func TestCacheKey_IncorporatesEpoch(t *testing.T) {
	c := NewCache(nil, 0)
	assert.NotEqual(t, c.key(1), c.key(2))
	assert.Equal(t, DefaultCacheTTL, c.ttl)
}

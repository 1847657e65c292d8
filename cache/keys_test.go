package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryKey_Deterministic(t *testing.T) {
	a := QueryKey{Namespace: NSLeaderboard, Period: "daily", Category: "General Knowledge", Difficulty: "Medium", Limit: 10}
	b := QueryKey{Namespace: NSLeaderboard, Period: "DAILY", Category: "general-knowledge", Difficulty: "medium", Limit: 10}
	assert.Equal(t, a.String(), b.String())
}

func TestQueryKey_DistinctTuplesDoNotCollide(t *testing.T) {
	keys := []QueryKey{
		{Namespace: NSLeaderboard, Period: "daily", Limit: 10},
		{Namespace: NSLeaderboard, Period: "daily", Limit: 10, Offset: 10},
		{Namespace: NSLeaderboard, Period: "daily", Limit: 1, Offset: 0},
		{Namespace: NSLeaderboard, Period: "weekly", Limit: 10},
		{Namespace: NSLeaderboard, Period: "daily", Category: "science", Limit: 10},
		{Namespace: NSLeaderboard, Period: "daily", Difficulty: "hard", Limit: 10},
		{Namespace: NSLeaderboard, Period: "daily", Order: "xp", Limit: 10},
		{Namespace: NSUserRank, Period: "daily", Limit: 10},
		// A value containing the separator must not shift into the next field.
		{Namespace: NSLeaderboard, UserID: "u|limit=10"},
		{Namespace: NSLeaderboard, UserID: "u", Limit: 10},
	}
	seen := make(map[string]int)
	for i, k := range keys {
		s := k.String()
		if prev, ok := seen[s]; ok {
			t.Fatalf("keys %d and %d collide: %s", prev, i, s)
		}
		seen[s] = i
	}
}

func TestPeriodPrefix(t *testing.T) {
	key := QueryKey{Namespace: NSLeaderboard, Period: "monthly", Category: "History", Limit: 5}.String()
	assert.True(t, strings.HasPrefix(key, PeriodPrefix(NSLeaderboard, "monthly")))
	assert.False(t, strings.HasPrefix(key, PeriodPrefix(NSLeaderboard, "daily")))
	assert.True(t, strings.HasPrefix(key, NamespacePrefix(NSLeaderboard)))
	assert.False(t, strings.HasPrefix(key, NamespacePrefix(NSUserRank)))
}

func TestNormalizeCategory(t *testing.T) {
	assert.Equal(t, "", NormalizeCategory("  "))
	assert.Equal(t, "science-and-nature", NormalizeCategory("Science & Nature"))
	assert.Equal(t, NormalizeCategory("Géographie"), NormalizeCategory("geographie"))
}

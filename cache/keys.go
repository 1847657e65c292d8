package cache

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/gosimple/slug"
)

// Namespaces used across the service.
const (
	NSLeaderboard = "leaderboard"
	NSUserRank    = "user_rank"
	NSUserStats   = "user_stats"
	NSProgression = "progression"
	NSSession     = "session"
	NSCatalog     = "achievement_catalog"
)

// QueryKey is the semantic filter tuple a cache key is derived from. Fields are always emitted in
// the same order and values are escaped, so equal tuples give equal keys and distinct tuples
// never collide. Category is normalized with slug, so "General Knowledge" and
// "general-knowledge" address the same entry.
type QueryKey struct {
	Namespace  string
	Period     string
	Category   string
	Difficulty string
	Order      string
	UserID     string
	Limit      int
	Offset     int
}

func (k QueryKey) String() string {
	var b strings.Builder
	b.WriteString(url.QueryEscape(k.Namespace))
	writeField(&b, "period", strings.ToLower(k.Period))
	writeField(&b, "category", NormalizeCategory(k.Category))
	writeField(&b, "difficulty", strings.ToLower(k.Difficulty))
	writeField(&b, "order", strings.ToLower(k.Order))
	writeField(&b, "user", k.UserID)
	writeField(&b, "limit", strconv.Itoa(k.Limit))
	writeField(&b, "offset", strconv.Itoa(k.Offset))
	return b.String()
}

// PeriodPrefix matches every key of namespace for one period, across all categories.
func PeriodPrefix(namespace, period string) string {
	var b strings.Builder
	b.WriteString(url.QueryEscape(namespace))
	writeField(&b, "period", strings.ToLower(period))
	b.WriteByte('|')
	return b.String()
}

// NamespacePrefix matches every key of namespace.
func NamespacePrefix(namespace string) string {
	return url.QueryEscape(namespace) + "|"
}

// UserKey addresses a per-user view such as cached statistics.
func UserKey(namespace, userID string) string {
	return QueryKey{Namespace: namespace, UserID: userID}.String()
}

// NormalizeCategory maps a display category to its stable identifier.
func NormalizeCategory(category string) string {
	category = strings.TrimSpace(category)
	if category == "" {
		return ""
	}
	return slug.Make(category)
}

func writeField(b *strings.Builder, name, value string) {
	b.WriteByte('|')
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(url.QueryEscape(value))
}

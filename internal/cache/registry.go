package cache

import "strings"

const (
	keySeparator   = ":"
	indexKeyPrefix = "cache:index:"
)

// ancestorPrefixes returns every colon-delimited namespace a key lives under.
// "exams:category:5:page=1" -> ["exams", "exams:category", "exams:category:5"].
func ancestorPrefixes(key string) []string {
	parts := strings.Split(key, keySeparator)
	if len(parts) < 2 {
		return nil
	}
	out := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		out = append(out, strings.Join(parts[:i], keySeparator))
	}
	return out
}

func indexKey(prefix string) string {
	return indexKeyPrefix + prefix
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	prefix = strings.TrimSuffix(prefix, "*")
	return strings.TrimSuffix(prefix, keySeparator)
}

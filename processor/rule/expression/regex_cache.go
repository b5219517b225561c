package expression

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const regexCacheSize = 100

// globalRegexCache holds compiled patterns shared by every evaluator.
var globalRegexCache *lru.Cache[string, *regexp.Regexp]

func init() {
	var err error
	globalRegexCache, err = lru.New[string, *regexp.Regexp](regexCacheSize)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize regex cache: %v", err))
	}
}

// compileRegex returns a cached compiled regex or compiles and caches a new one
func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, found := globalRegexCache.Get(pattern); found {
		return re, nil
	}

	if err := validateRegexComplexity(pattern); err != nil {
		return nil, err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern '%s': %w", pattern, err)
	}

	globalRegexCache.Add(pattern, re)
	return re, nil
}

// validateRegexComplexity rejects patterns with nested quantifiers, huge
// repetition counts, or deep nesting. It is a heuristic, not exhaustive.
func validateRegexComplexity(pattern string) error {
	if len(pattern) > 500 {
		return fmt.Errorf("regex pattern too long (max 500 chars): %d chars", len(pattern))
	}

	dangerousFragments := []string{
		`(\w+)*\w`,
		`(\w*)+`,
		`(a+)+`,
		`([a-zA-Z]+)*`,
		`(\d+)*\d`,
		`(.*)*`,
		`(.+)+`,
		`(\s+)*\s`,
		`([^,]+)*[^,]`,
	}
	for _, fragment := range dangerousFragments {
		if strings.Contains(pattern, fragment) {
			return fmt.Errorf("regex pattern contains nested quantifiers that may cause exponential backtracking")
		}
	}

	if hasLargeRepetition(pattern, 1000) {
		return fmt.Errorf("regex pattern contains excessive repetition count (>= 1000)")
	}

	if strings.Count(pattern, "(") > 20 {
		return fmt.Errorf("regex pattern has too many capture groups (max 20)")
	}

	nestLevel, maxNest := 0, 0
	for _, ch := range pattern {
		switch ch {
		case '(':
			nestLevel++
			maxNest = max(maxNest, nestLevel)
		case ')':
			nestLevel--
		}
	}
	if maxNest > 5 {
		return fmt.Errorf("regex pattern has excessive nesting depth (max 5 levels)")
	}

	return nil
}

// hasLargeRepetition reports whether any {n or {n,m quantifier starts at or above limit.
func hasLargeRepetition(pattern string, limit int) bool {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '{' {
			continue
		}
		n := 0
		for j := i + 1; j < len(pattern) && pattern[j] >= '0' && pattern[j] <= '9'; j++ {
			n = n*10 + int(pattern[j]-'0')
			if n >= limit {
				return true
			}
		}
	}
	return false
}

func clearCache() {
	globalRegexCache.Purge()
}

func cacheSize() int {
	return globalRegexCache.Len()
}

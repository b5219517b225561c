package expression

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRegexComplexity(t *testing.T) {
	tests := []struct {
		name       string
		pattern    string
		shouldFail bool
		errorMsg   string
	}{
		{"nested_quantifiers_overlap", `(\w+)*\w`, true, "nested quantifiers"},
		{"classic_redos", `(a+)+`, true, "nested quantifiers"},
		{"nested_wildcards", `(.*)*`, true, "nested quantifiers"},
		{"excessive_length", strings.Repeat("a", 501), true, "too long"},
		{"excessive_repetition", `a{1000,}`, true, "excessive repetition count"},
		{"excessive_repetition_range", `a{2,50000}`, false, ""},
		{"too_many_capture_groups", strings.Repeat("(a)", 21), true, "too many capture groups"},
		{"deep_nesting", "((((((a))))))", true, "nesting depth"},
		{"player_prefix", `^player-\d+$`, false, ""},
		{"button_alternation", `^button-(a|b)$`, false, ""},
		{"bounded_repetition", `a{1,999}`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRegexComplexity(tt.pattern)
			if tt.shouldFail {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCompileRegex(t *testing.T) {
	clearCache()

	t.Run("successful_compilation", func(t *testing.T) {
		re, err := compileRegex(`^player-[0-9]+$`)
		require.NoError(t, err)
		assert.True(t, re.MatchString("player-12"))
		assert.False(t, re.MatchString("player-x"))
	})

	t.Run("cache_hit", func(t *testing.T) {
		clearCache()
		re1, err := compileRegex("cached")
		require.NoError(t, err)
		assert.Equal(t, 1, cacheSize())

		re2, err := compileRegex("cached")
		require.NoError(t, err)
		assert.Same(t, re1, re2)
		assert.Equal(t, 1, cacheSize())
	})

	t.Run("rejects_dangerous_pattern", func(t *testing.T) {
		_, err := compileRegex("(a+)+")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nested quantifiers")
	})

	t.Run("invalid_regex_syntax", func(t *testing.T) {
		_, err := compileRegex("[unclosed")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid regex pattern")
	})
}

func TestRegexCache_Eviction(t *testing.T) {
	clearCache()

	for i := 0; i <= regexCacheSize; i++ {
		_, err := compileRegex(fmt.Sprintf("pattern%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, regexCacheSize, cacheSize())
}

func TestRegexCache_Concurrency(t *testing.T) {
	clearCache()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			re, err := compileRegex("concurrent.*test")
			assert.NoError(t, err)
			assert.NotNil(t, re)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, cacheSize())
}

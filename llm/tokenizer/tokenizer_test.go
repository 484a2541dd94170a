package tokenizer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodingFor(t *testing.T) {
	assert.Equal(t, "o200k_base", EncodingFor("gpt-4o-mini"))
	assert.Equal(t, "cl100k_base", EncodingFor("gpt-4-turbo"))
	assert.Equal(t, "cl100k_base", EncodingFor("deepseek-chat"))
}

func TestEstimator(t *testing.T) {
	e := EstimatorTokenizer{}
	n, err := e.CountTokens("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, _ = e.CountTokens("abcdefgh")
	assert.Equal(t, 2, n)

	n, _ = e.CountTokens("a")
	assert.Equal(t, 1, n)

	n, _ = e.CountTokens("你好世界")
	assert.Equal(t, 2, n)
}

type brokenTokenizer struct{}

func (brokenTokenizer) CountTokens(string) (int, error) { return 0, errors.New("no data") }
func (brokenTokenizer) Name() string                    { return "broken" }

func TestFallbackUsesEstimatorOnError(t *testing.T) {
	f := Fallback{Primary: brokenTokenizer{}}
	n, err := f.CountTokens("abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "broken+estimator", f.Name())
	assert.Equal(t, "estimator", Fallback{}.Name())
}

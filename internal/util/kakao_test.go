package util

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyKakaoSeeMorePadding(t *testing.T) {
	out := ApplyKakaoSeeMorePadding("body", " 📋 목록 ")
	assert.True(t, strings.HasPrefix(out, "📋 목록"+KakaoZeroWidthSpace))
	assert.True(t, strings.HasSuffix(out, "\nbody"))
	assert.Equal(t, KakaoSeeMorePadding, strings.Count(out, KakaoZeroWidthSpace))

	assert.Equal(t, "  ", ApplyKakaoSeeMorePadding("  ", "x"))
}

func TestFoldLongMessage(t *testing.T) {
	short := "a\nb\nc"
	assert.Equal(t, short, FoldLongMessage(short))

	lines := make([]string, SeeMoreLineThreshold+1)
	for i := range lines {
		lines[i] = "line"
	}
	lines[0] = "header"
	out := FoldLongMessage(strings.Join(lines, "\n"))
	assert.True(t, strings.HasPrefix(out, "header"+KakaoZeroWidthSpace))
	assert.NotContains(t, out, "header\n")
}

func TestJoinTokens(t *testing.T) {
	assert.Equal(t, "-", JoinTokens(nil))
	assert.Equal(t, "A, B", JoinTokens([]string{"A", "B"}))
}

func TestKoreanDuration(t *testing.T) {
	assert.Equal(t, "0초", KoreanDuration(0))
	assert.Equal(t, "45초", KoreanDuration(45*time.Second))
	assert.Equal(t, "2분", KoreanDuration(2*time.Minute))
	assert.Equal(t, "1분 30초", KoreanDuration(90*time.Second))
}

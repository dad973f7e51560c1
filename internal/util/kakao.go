package util

import (
	"fmt"
	"strings"
	"time"
)

const (
	KakaoSeeMorePadding = 500
	KakaoZeroWidthSpace = "\u200b"

	// 이 줄 수를 넘는 메시지는 '전체보기'로 접는다.
	SeeMoreLineThreshold = 12
)

// 카카오톡 '전체보기'용 제로폭 문자를 채워 메시지를 확장.
func ApplyKakaoSeeMorePadding(text, instruction string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	instruction = strings.TrimSpace(instruction)

	var b strings.Builder
	b.Grow(len(text) + len(instruction) + KakaoSeeMorePadding*len(KakaoZeroWidthSpace) + 1)
	b.WriteString(instruction)
	b.WriteString(strings.Repeat(KakaoZeroWidthSpace, KakaoSeeMorePadding))
	if !strings.HasPrefix(text, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(text)
	return b.String()
}

// 긴 목록은 첫 줄만 미리보기로 남기고 나머지를 '전체보기' 뒤로 숨긴다.
func FoldLongMessage(text string) string {
	if strings.Count(text, "\n")+1 <= SeeMoreLineThreshold {
		return text
	}
	header, body, _ := strings.Cut(text, "\n")
	return ApplyKakaoSeeMorePadding(body, header)
}

// 토큰 목록을 "A, B, C" 형태로. 비어 있으면 "-".
func JoinTokens(tokens []string) string {
	if len(tokens) == 0 {
		return "-"
	}
	return strings.Join(tokens, ", ")
}

// 1m30s → "1분 30초"
func KoreanDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0초"
	}
	m := int(d / time.Minute)
	s := int((d % time.Minute) / time.Second)
	switch {
	case m == 0:
		return fmt.Sprintf("%d초", s)
	case s == 0:
		return fmt.Sprintf("%d분", m)
	default:
		return fmt.Sprintf("%d분 %d초", m, s)
	}
}

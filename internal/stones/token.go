package stones

// MaxTokens is the number of distinct tokens: A..Z then AA..ZZ.
const MaxTokens = 26 + 26*26

type staticErr string

func (e staticErr) Error() string { return string(e) }

const ErrTokensExhausted = staticErr("player tokens exhausted")

// Token returns the stable game token for the i-th (0-based) player.
func Token(i int) (string, error) {
	if i < 0 || i >= MaxTokens {
		return "", ErrTokensExhausted
	}
	if i < 26 {
		return string(rune('A' + i)), nil
	}
	i -= 26
	return string([]rune{rune('A' + i/26), rune('A' + i%26)}), nil
}

// Tokens returns the first n tokens in order.
func Tokens(n int) ([]string, error) {
	if n > MaxTokens {
		return nil, ErrTokensExhausted
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t, _ := Token(i)
		out = append(out, t)
	}
	return out, nil
}

package engine

import "github.com/google/uuid"

// Token tags one generation request. The zero value is no token.
type Token string

func (t Token) String() string { return string(t) }

// TokenRegistry holds the single current token. Results and playback
// completions are honored only while they carry it. It is owned by the
// coordination goroutine and is not safe for concurrent use.
type TokenRegistry struct {
	current Token
}

// Mint installs a fresh token, invalidating the previous one.
func (r *TokenRegistry) Mint() Token {
	r.current = Token(uuid.NewString())
	return r.current
}

func (r *TokenRegistry) IsCurrent(t Token) bool {
	return t != "" && t == r.current
}

func (r *TokenRegistry) Clear() { r.current = "" }

func (r *TokenRegistry) Current() (Token, bool) {
	return r.current, r.current != ""
}

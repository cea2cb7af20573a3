package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type tokenOptions struct {
	Secret   []byte
	Audience string
	Issuer   string
	TTL      time.Duration
}

// boardToken signs an HS256 token whose subject is the board id, matching
// what the service accepts with LOCAL_AUTH_MODE=hs256.
func boardToken(opts tokenOptions, boardID string, now time.Time) (string, error) {
	if len(opts.Secret) == 0 {
		return "", errors.New("LOCAL_AUTH_SHARED_SECRET must be set")
	}
	if boardID == "" {
		return "", errors.New("board id is required")
	}
	claims := jwt.MapClaims{
		"sub": boardID,
		"iat": now.Unix(),
		"exp": now.Add(opts.TTL).Unix(),
	}
	if opts.Audience != "" {
		claims["aud"] = opts.Audience
	}
	if opts.Issuer != "" {
		claims["iss"] = opts.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(opts.Secret)
}

func boardTokens(opts tokenOptions, count int, prefix string, start int, explicit string, now time.Time) ([]string, error) {
	tokens := make([]string, count)
	for i := 0; i < count; i++ {
		boardID := explicit
		if boardID == "" {
			if count == 1 {
				boardID = prefix
			} else {
				boardID = fmt.Sprintf("%s-%d", prefix, start+i)
			}
		}
		tok, err := boardToken(opts, boardID, now)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

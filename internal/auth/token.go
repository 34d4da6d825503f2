// Package auth signs and verifies the handshake tokens that bind a
// websocket connection to a username.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedToken = errors.New("invalid token format")
	ErrBadSignature   = errors.New("invalid signature")
)

type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// SignToken returns "value|signature", both parts base64url encoded.
func (s *Signer) SignToken(value string) string {
	return fmt.Sprintf("%s|%s", base64.URLEncoding.EncodeToString([]byte(value)), base64.URLEncoding.EncodeToString(s.mac(value)))
}

// VerifyToken checks the signature and returns the original value.
func (s *Signer) VerifyToken(token string) (string, error) {
	parts := strings.Split(token, "|")
	if len(parts) != 2 {
		return "", ErrMalformedToken
	}

	valueBytes, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: value encoding", ErrMalformedToken)
	}
	value := string(valueBytes)

	signature, err := base64.URLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: signature encoding", ErrMalformedToken)
	}

	if !hmac.Equal(signature, s.mac(value)) {
		return "", ErrBadSignature
	}
	return value, nil
}

func (s *Signer) mac(value string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

package crypto

import (
	"crypto/rand"
	"encoding/base64"
)

// NewSessionToken returns an opaque, URL-safe token. Sessions are addressed
// only by this value, so it must be unguessable.
func NewSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

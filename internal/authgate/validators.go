package authgate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StaticTokens validates bearer tokens against a configured set.
// Only digests are held in memory; comparison is constant-time.
type StaticTokens struct {
	digests map[string][sha256.Size]byte
}

// NewStaticTokens builds a validator from a name→token map, as
// loaded from the agent configuration.
func NewStaticTokens(tokens map[string]string) *StaticTokens {
	digests := make(map[string][sha256.Size]byte, len(tokens))

	for name, token := range tokens {
		digests[name] = sha256.Sum256([]byte(token))
	}

	return &StaticTokens{digests: digests}
}

func (s *StaticTokens) ValidateToken(
	_ context.Context,
	token string,
) (Principal, error) {
	presented := sha256.Sum256([]byte(token))

	for name, digest := range s.digests {
		if subtle.ConstantTimeCompare(presented[:], digest[:]) == 1 {
			return Principal{Kind: PrincipalToken, Name: name}, nil
		}
	}

	return Principal{}, fmt.Errorf("%w: unknown token", ErrUnauthorized)
}

// HMACSessions validates the signed session cookies minted by the
// login layer. A cookie is `name|expiry|mac` where mac is
// HMAC-SHA256(secret, name|expiry).
type HMACSessions struct {
	secret []byte
}

func NewHMACSessions(secret []byte) *HMACSessions {
	return &HMACSessions{secret: secret}
}

// Issue mints a session cookie. The core only validates cookies;
// Issue exists for the login layer and for tests.
func (h *HMACSessions) Issue(name string, ttl time.Duration) string {
	expiry := strconv.FormatInt(time.Now().Add(ttl).Unix(), 10)
	payload := name + "|" + expiry

	return payload + "|" + h.sign(payload)
}

func (h *HMACSessions) ValidateSession(
	_ context.Context,
	cookie string,
) (Principal, error) {
	parts := strings.Split(cookie, "|")
	if len(parts) != 3 {
		return Principal{}, fmt.Errorf("%w: malformed session cookie", ErrUnauthorized)
	}

	name, expiry, mac := parts[0], parts[1], parts[2]

	if !hmac.Equal([]byte(h.sign(name+"|"+expiry)), []byte(mac)) {
		return Principal{}, fmt.Errorf("%w: bad session signature", ErrUnauthorized)
	}

	expiresAt, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: bad session expiry", ErrUnauthorized)
	}

	if time.Now().Unix() >= expiresAt {
		return Principal{}, fmt.Errorf("%w: session expired", ErrUnauthorized)
	}

	return Principal{Kind: PrincipalSession, Name: name}, nil
}

func (h *HMACSessions) sign(payload string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(payload))

	return hex.EncodeToString(mac.Sum(nil))
}

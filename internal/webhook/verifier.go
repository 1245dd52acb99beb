// Package webhook receives signed deliveries from the hosted scheduler and
// turns them into guarded workflow runs.
package webhook

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rendis/hookflow/pkg/schema"
)

// SignatureIssuer is the issuer claim of scheduler signatures.
const SignatureIssuer = "Upstash"

const clockSkew = time.Minute

// signatureClaims is the JWT payload carried in the signature header.
type signatureClaims struct {
	jwt.RegisteredClaims
	Body string `json:"body"`
}

// Verifier checks delivery signatures against two signing keys so the
// scheduler can rotate keys without downtime.
type Verifier struct {
	current []byte
	next    []byte
	now     func() time.Time
}

// NewVerifier creates a Verifier. At least one key is required.
func NewVerifier(currentKey, nextKey string) (*Verifier, error) {
	if currentKey == "" && nextKey == "" {
		return nil, schema.ConfigurationError("webhook verifier needs a current or next signing key")
	}
	return &Verifier{current: []byte(currentKey), next: []byte(nextKey), now: time.Now}, nil
}

// Verify accepts signature if it validates under either key. The token must
// be HS256, issued by the scheduler, addressed to url, unexpired, and carry
// the SHA-256 of body.
func (v *Verifier) Verify(signature string, body []byte, url string) error {
	if signature == "" {
		return schema.NewError(schema.ErrCodeAuth, "missing signature")
	}
	var errs []error
	for _, key := range [][]byte{v.current, v.next} {
		if len(key) == 0 {
			continue
		}
		err := v.verifyWithKey(key, signature, body, url)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return schema.NewError(schema.ErrCodeAuth, "invalid signature").WithCause(errors.Join(errs...))
}

func (v *Verifier) verifyWithKey(key []byte, signature string, body []byte, url string) error {
	claims := &signatureClaims{}
	_, err := jwt.ParseWithClaims(signature, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(SignatureIssuer),
		jwt.WithSubject(url),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return err
	}
	if strings.TrimRight(claims.Body, "=") != bodyHash(body) {
		return fmt.Errorf("body hash mismatch")
	}
	return nil
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Sign produces a signature the Verifier accepts for url and body.
func Sign(key, url string, body []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := signatureClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    SignatureIssuer,
			Subject:   url,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Body: bodyHash(body),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

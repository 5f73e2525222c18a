package mandate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agentex/internal/domain"
)

// ContentsHash is the sha256 of the canonical JSON rendering of v.
func ContentsHash(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

type mandateClaims struct {
	jwt.RegisteredClaims
	Kind         domain.MandateKind `json:"mandate_kind"`
	MandateID    string             `json:"mandate_id"`
	ContentsHash string             `json:"contents_hash"`
}

// Signer issues and checks mandate authorization tokens. A token binds the
// signing party to the exact contents of one mandate.
type Signer struct {
	Secret []byte
	Now    func() time.Time
}

func (s Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Signer) Sign(party string, kind domain.MandateKind, id string, contents any) (string, error) {
	if len(s.Secret) == 0 {
		return "", errors.New("mandate signing secret not configured")
	}
	hash, err := ContentsHash(contents)
	if err != nil {
		return "", fmt.Errorf("hash %s mandate: %w", kind, err)
	}
	claims := mandateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   party,
			IssuedAt: jwt.NewNumericDate(s.now()),
		},
		Kind:         kind,
		MandateID:    id,
		ContentsHash: hash,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}

// Verify checks that token was signed by party for exactly these contents.
func (s Signer) Verify(token, party string, kind domain.MandateKind, id string, contents any) error {
	if len(s.Secret) == 0 {
		return errors.New("mandate signing secret not configured")
	}
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidAuthorization)
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &mandateClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.Secret, nil
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAuthorization, err)
	}
	hash, err := ContentsHash(contents)
	if err != nil {
		return err
	}
	switch {
	case claims.Kind != kind:
		return fmt.Errorf("%w: token is for a %s mandate", ErrInvalidAuthorization, claims.Kind)
	case claims.MandateID != id:
		return fmt.Errorf("%w: token is for mandate %s", ErrInvalidAuthorization, claims.MandateID)
	case claims.Issuer != party:
		return fmt.Errorf("%w: token issued by %s", ErrInvalidAuthorization, claims.Issuer)
	case claims.ContentsHash != hash:
		return fmt.Errorf("%w: contents changed after signing", ErrInvalidAuthorization)
	}
	return nil
}

// cartContents is the signed view of a cart: everything but the token and
// the mutable status.
func cartContents(c domain.CartMandate) domain.CartMandate {
	c.Authorization = ""
	c.Status = ""
	c.CreatedAt = c.CreatedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	return c
}

func paymentContents(p domain.PaymentMandate) domain.PaymentMandate {
	p.Authorization = ""
	p.Status = ""
	p.CreatedAt = p.CreatedAt.UTC()
	p.ExpiresAt = p.ExpiresAt.UTC()
	return p
}

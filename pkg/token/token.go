// Package token signs and verifies the compact tokens carried on tracking
// and survey URLs.
package token

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4"
)

var (
	ErrInvalid = errors.New("token: invalid")
	ErrExpired = errors.New("token: expired")
)

type envelope struct {
	Data json.RawMessage `json:"data"`
	Exp  int64           `json:"exp,omitempty"`
}

type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSigner derives an HS256 key from secret. A zero ttl issues tokens that
// never expire.
func NewSigner(secret string, ttl time.Duration) *Signer {
	sum := sha256.Sum256([]byte(secret))
	return &Signer{key: sum[:], ttl: ttl, now: time.Now}
}

// Sign serializes v and returns the compact JWS.
func (s *Signer) Sign(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	env := envelope{Data: data}
	if s.ttl > 0 {
		env.Exp = s.now().Add(s.ttl).Unix()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: s.key}, nil)
	if err != nil {
		return "", err
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}

// Verify checks the signature and expiry and decodes the payload into v.
func (s *Signer) Verify(tok string, v any) error {
	obj, err := jose.ParseSigned(tok, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return ErrInvalid
	}
	payload, err := obj.Verify(s.key)
	if err != nil {
		return ErrInvalid
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ErrInvalid
	}
	if env.Exp > 0 && s.now().Unix() > env.Exp {
		return ErrExpired
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return ErrInvalid
	}
	return nil
}

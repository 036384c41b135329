package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token failure kinds. Decode returns exactly one of these (possibly wrapped) on failure.
var (
	// ErrSigning is returned by Encode when the signing key is unavailable or unusable.
	ErrSigning = errors.New("token signing failed")
	// ErrMalformedToken is returned when the token is structurally invalid or lacks required claims.
	ErrMalformedToken = errors.New("malformed token")
	// ErrInvalidSignature is returned when the signature does not verify or the algorithm is not accepted.
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrTokenExpired is returned when the token's exp has elapsed.
	ErrTokenExpired = errors.New("token expired")
	// ErrInvalidClaims is returned by Encode when subject or session id is missing.
	ErrInvalidClaims = errors.New("token claims require subject and session id")
)

// Claims is the claim set carried by a session token. Times have second precision on the wire.
type Claims struct {
	Subject   string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Equal reports whether both claim sets carry the same values.
func (c Claims) Equal(o Claims) bool {
	return c.Subject == o.Subject &&
		c.SessionID == o.SessionID &&
		c.IssuedAt.Equal(o.IssuedAt) &&
		c.ExpiresAt.Equal(o.ExpiresAt)
}

// sessionClaims is the JWT payload: registered sub/iat/exp/iss/aud plus sid.
type sessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// Codec signs and verifies session tokens. It performs no I/O and holds no mutable state
// after construction, so one Codec is shared by all requests.
type Codec struct {
	key      SigningKey
	issuer   string
	audience string
	now      func() time.Time
	parser   *jwt.Parser
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithClock overrides the time source used for expiry checks. Defaults to time.Now.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec returns a Codec that signs with key and stamps issuer and audience on every token.
// Decode rejects tokens whose iss or aud differ when they are non-empty here.
func NewCodec(key SigningKey, issuer, audience string, opts ...CodecOption) *Codec {
	c := &Codec{
		key:      key,
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
	}
	if key.method != nil {
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{key.method.Alg()}))
	}
	if issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(audience))
	}
	c.parser = jwt.NewParser(parserOpts...)
	return c
}

// Algorithm returns the JWS alg of the configured key (HS256, RS256, or ES256).
func (c *Codec) Algorithm() string {
	if c.key.method == nil {
		return ""
	}
	return c.key.method.Alg()
}

// Encode signs claims into a compact JWT. It fails with ErrSigning only when the key is
// unavailable or rejected by the signer.
func (c *Codec) Encode(claims Claims) (string, error) {
	if claims.Subject == "" || claims.SessionID == "" {
		return "", ErrInvalidClaims
	}
	if c.key.method == nil || c.key.sign == nil {
		return "", ErrSigning
	}
	payload := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
		SessionID: claims.SessionID,
	}
	if c.audience != "" {
		payload.Audience = jwt.ClaimStrings{c.audience}
	}
	token, err := jwt.NewWithClaims(c.key.method, payload).SignedString(c.key.sign)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return token, nil
}

// Decode verifies token and returns its claims. The signature is checked before any
// claim, so an expired token with a bad signature reports ErrInvalidSignature.
func (c *Codec) Decode(token string) (*Claims, error) {
	var payload sessionClaims
	if _, err := c.parser.ParseWithClaims(token, &payload, c.keyFunc); err != nil {
		return nil, classify(err)
	}
	if payload.Subject == "" || payload.SessionID == "" || payload.IssuedAt == nil || payload.ExpiresAt == nil {
		return nil, ErrMalformedToken
	}
	return &Claims{
		Subject:   payload.Subject,
		SessionID: payload.SessionID,
		IssuedAt:  payload.IssuedAt.Time.UTC(),
		ExpiresAt: payload.ExpiresAt.Time.UTC(),
	}, nil
}

func (c *Codec) keyFunc(*jwt.Token) (interface{}, error) {
	if c.key.verify == nil {
		return nil, ErrInvalidKey
	}
	return c.key.verify, nil
}

// classify maps jwt parser errors onto the token failure kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}

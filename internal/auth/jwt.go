package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the subject a connection acts as, fixed at handshake time.
type Identity struct {
	UserID   int64
	Username string
}

// Reason classifies a verification failure.
type Reason int

const (
	Missing Reason = iota
	Malformed
	Expired
	Invalid
)

func (r Reason) String() string {
	switch r {
	case Missing:
		return "missing"
	case Malformed:
		return "malformed"
	case Expired:
		return "expired"
	default:
		return "invalid"
	}
}

// Error is returned by Verify. Compare with errors.Is against ErrMissing,
// ErrMalformed, ErrExpired or ErrInvalid.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "token " + e.Reason.String()
	}
	return fmt.Sprintf("token %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Reason == e.Reason
}

var (
	ErrMissing   = &Error{Reason: Missing}
	ErrMalformed = &Error{Reason: Malformed}
	ErrExpired   = &Error{Reason: Expired}
	ErrInvalid   = &Error{Reason: Invalid}
)

// Claims carried by access tokens. The subject is the username.
type Claims struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed bearer tokens. It holds no mutable state and
// is safe for concurrent use.
type Verifier struct {
	secretKey []byte
	parser    *jwt.Parser
}

func NewVerifier(secretKey string) *Verifier {
	return &Verifier{
		secretKey: []byte(secretKey),
		parser:    jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})),
	}
}

// Issue mints a token for id valid for ttl.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// Verify validates the token and extracts the identity it was issued for.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrMissing
	}

	claims, err := v.parse(tokenString)
	if err != nil {
		return Identity{}, classify(err)
	}

	if claims.UserID <= 0 {
		return Identity{}, &Error{Reason: Invalid, Err: errors.New("userId claim missing")}
	}

	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	if username == "" {
		return Identity{}, &Error{Reason: Invalid, Err: errors.New("username claim missing")}
	}

	return Identity{UserID: claims.UserID, Username: username}, nil
}

// UserIDFromToken returns the userId claim of a valid token.
func (v *Verifier) UserIDFromToken(tokenString string) (int64, error) {
	id, err := v.Verify(tokenString)
	return id.UserID, err
}

// UsernameFromToken returns the username of a valid token.
func (v *Verifier) UsernameFromToken(tokenString string) (string, error) {
	id, err := v.Verify(tokenString)
	return id.Username, err
}

// IsTokenExpired reports true for expired tokens and for tokens that cannot be checked.
func (v *Verifier) IsTokenExpired(tokenString string) bool {
	claims, err := v.parse(tokenString)
	if err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}

func (v *Verifier) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secretKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &Error{Reason: Expired, Err: err}
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return &Error{Reason: Malformed, Err: err}
	default:
		return &Error{Reason: Invalid, Err: err}
	}
}

// TokenFromRequest extracts the bearer token from the "token" query parameter,
// falling back to the Authorization header. The query parameter wins when both are set.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	const bearerPrefix = "Bearer "
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
	}
	return ""
}

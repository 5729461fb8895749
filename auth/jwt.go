package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload minted by the HTTP sign-in endpoint.
type Claims struct {
	UserId string `json:"id"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// WithClock replaces the clock used for expiry checks.
func (v *JWTVerifier) WithClock(now func() time.Time) *JWTVerifier {
	v.now = now
	return v
}

func (v *JWTVerifier) Verify(credential string) (string, *Rejection) {
	if credential == "" {
		return "", &Rejection{Reason: MissingCredential}
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(credential, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil {
		// jwt/v5 checks the signature before the claims, so an expired
		// token here always carries a valid signature.
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", &Rejection{Reason: Expired, Err: err}
		}
		return "", &Rejection{Reason: Invalid, Err: err}
	}

	if claims.UserId == "" {
		return "", &Rejection{Reason: Invalid, Err: errors.New("token has no id claim")}
	}
	return claims.UserId, nil
}

// Issue signs a token for uid that expires after ttl. A zero ttl never expires,
// like the refresh tokens of the HTTP auth service.
func (v *JWTVerifier) Issue(uid string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := &Claims{
		UserId: uid,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

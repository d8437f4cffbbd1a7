package jwt

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/itchan-dev/chatsync/shared/domain"
	internal_errors "github.com/itchan-dev/chatsync/shared/errors"
	"github.com/itchan-dev/chatsync/shared/logger"
)

var (
	ErrNoToken      = errors.New("no bearer token")
	ErrTokenExpired = errors.New("bearer token expired")
)

// Claims is what the client can learn from its own bearer token without
// holding the signing key.
type Claims struct {
	UserId    domain.UserId
	UserType  domain.UserType
	ExpiresAt time.Time // zero when the token carries no exp
}

// Inspect parses a token WITHOUT verifying its signature. The client only
// uses it to decide whether opening the realtime channel is worth trying;
// the server remains the authority. A token that does not parse as a JWT is
// treated as opaque and yields empty claims.
func Inspect(token string, now time.Time) (Claims, error) {
	if token == "" {
		return Claims{}, ErrNoToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Claims{}, nil
	}

	var c Claims
	if uid, ok := claims["uid"].(float64); ok {
		c.UserId = int64(uid)
	}
	if utype, ok := claims["utype"].(string); ok {
		c.UserType = utype
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
		if !now.Before(exp.Time) {
			return c, ErrTokenExpired
		}
	}
	return c, nil
}

// JwtService signs and verifies tokens. Only the test fixture server holds
// the secret; the client never verifies.
type JwtService interface {
	NewToken(user domain.User) (string, error)
	DecodeToken(jwtStr string) (*jwt.Token, error)
}

type Jwt struct {
	secretKey string
	ttl       time.Duration
}

func New(secretKey string, ttl time.Duration) JwtService {
	return &Jwt{secretKey, ttl}
}

func (j *Jwt) NewToken(user domain.User) (string, error) {
	claims := jwt.MapClaims{}
	claims["uid"] = user.Id
	claims["utype"] = user.Type
	claims["exp"] = time.Now().Add(j.ttl).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(j.secretKey))
	if err != nil {
		logger.Log.Error("failed to sign token", "error", err)
		return "", errors.New("can't create token")
	}

	return tokenString, nil
}

func (j *Jwt) DecodeToken(jwtStr string) (*jwt.Token, error) {
	token, err := jwt.Parse(jwtStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, &internal_errors.ErrorWithStatusCode{Message: fmt.Sprintf("Unexpected signing method: %v", token.Header["alg"]), StatusCode: http.StatusUnauthorized}
		}
		return []byte(j.secretKey), nil
	})
	if err != nil {
		return nil, &internal_errors.ErrorWithStatusCode{Message: "Invalid token signature", StatusCode: http.StatusUnauthorized}
	}

	if !token.Valid {
		return nil, &internal_errors.ErrorWithStatusCode{Message: "Invalid access token", StatusCode: http.StatusUnauthorized}
	}

	return token, nil
}

// UserFromToken extracts the user from verified claims.
func UserFromToken(token *jwt.Token) (domain.User, error) {
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.User{}, errors.New("invalid claims")
	}
	uid, ok := claims["uid"].(float64)
	if !ok {
		return domain.User{}, errors.New("invalid claims: uid")
	}
	utype, _ := claims["utype"].(string)
	return domain.User{Id: int64(uid), Type: utype}, nil
}

package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/4xmen/goftegu/internal/models"
)

type Claims struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Verified bool   `json:"verified,omitempty"`
	jwt.RegisteredClaims
}

// User is the identity carried by the token.
func (c *Claims) User() models.User {
	return models.User{
		ID:       c.UserID,
		Name:     c.Name,
		Role:     models.ParseRole(c.Role),
		Verified: c.Verified,
	}
}

type Issuer struct {
	jwtSecret string
	tokenTTL  time.Duration
}

func NewIssuer(jwtSecret string) *Issuer {
	return NewIssuerWithTokenTTL(jwtSecret, 24*time.Hour)
}

func NewIssuerWithTokenTTL(jwtSecret string, tokenTTL time.Duration) *Issuer {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Issuer{jwtSecret: jwtSecret, tokenTTL: tokenTTL}
}

func (i *Issuer) GenerateToken(user models.User) (string, error) {
	claims := Claims{
		UserID:   user.ID,
		Name:     user.Name,
		Role:     string(user.Role),
		Verified: user.Verified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(i.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(i.jwtSecret))
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return tokenString, nil
}

func (i *Issuer) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(i.jwtSecret), nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse token")
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// ParseIdentity reads the user carried by a session token without verifying
// its signature. The server stays the authority; the client only needs to
// know who it is acting as.
func ParseIdentity(tokenString string) (models.User, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return models.User{}, errors.Wrap(err, "failed to parse token")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return models.User{}, errors.New("token carries no user id")
	}
	return claims.User(), nil
}

func HashPassword(password string) (string, error) {
	if len(password) < 6 {
		return "", errors.New("password must be at least 6 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "failed to hash password")
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return errors.New("invalid username or password")
	}
	return nil
}

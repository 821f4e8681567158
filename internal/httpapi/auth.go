package httpapi

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/backoffice/internal/domain"
)

const tokenIssuer = "kasirinaja-backoffice"

// AuthManager verifies operator tokens minted by the identity service and
// checks the manager PIN that guards refund decisions.
type AuthManager struct {
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
}

type operatorClaims struct {
	jwtlib.RegisteredClaims
	Role               string `json:"role"`
	AutoApproveRefunds bool   `json:"auto_approve_refunds,omitempty"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN == "" {
		managerPIN = "disabled"
	}
	hashedPIN, err := hashPassword(managerPIN)
	if err == nil {
		managerPIN = hashedPIN
	}

	return &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: managerPIN,
	}
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &operatorClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if claims.Role != domain.RoleAdmin && claims.Role != domain.RoleCashier {
		return domain.Actor{}, errors.New("unknown token role")
	}
	return domain.Actor{Username: sub, Role: claims.Role, AutoApproveRefunds: claims.AutoApproveRefunds}, nil
}

// IssueToken signs a token for actor that expires after the configured TTL.
func (a *AuthManager) IssueToken(actor domain.Actor) (string, time.Time, error) {
	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	claims := operatorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.Username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Role:               actor.Role,
		AutoApproveRefunds: actor.AutoApproveRefunds,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPasswordHash(a.managerPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}

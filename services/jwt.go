package services

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/makersgate/creator_api/shared"
)

type JWTService struct {
	context.DefaultService

	jwtSecretKey string
}

type CustomClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

const JWT_SVC = "jwt_svc"

func (svc JWTService) Id() string {
	return JWT_SVC
}

func (svc *JWTService) Configure(ctx *context.Context) error {
	svc.jwtSecretKey = os.Getenv("JWT_SECRET")
	return svc.DefaultService.Configure(ctx)
}

func (svc *JWTService) Start() error {
	if svc.jwtSecretKey == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

func (svc *JWTService) VerifyJWTToken(jwtToken string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(jwtToken, &CustomClaims{}, svc.getJWTKey)
	if err != nil || !token.Valid {
		return nil, errors.New("unsupported JWT format")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || claims.UserID == "" {
		return nil, errors.New("invalid claims")
	}

	return claims, nil
}

func (svc *JWTService) getJWTKey(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return []byte(svc.jwtSecretKey), nil
}

func (svc *JWTService) ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}

	return parts[1], nil
}

// ==================== MIDDLEWARE ====================

func (svc *JWTService) RequiredAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := svc.ExtractTokenFromHeader(c.Get("Authorization"))
		if err != nil {
			return shared.ResponseUnauthorized(c)
		}

		claims, err := svc.VerifyJWTToken(token)
		if err != nil {
			return shared.ResponseUnauthorized(c)
		}

		c.Locals(shared.UserID, claims.UserID)
		c.Locals(shared.AccountRole, claims.Role)
		return c.Next()
	}
}

func (svc *JWTService) RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		current, _ := c.Locals(shared.AccountRole).(string)
		if current != role {
			return shared.ResponseForbidden(c)
		}
		return c.Next()
	}
}

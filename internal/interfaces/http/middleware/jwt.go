package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/salesflow/backend/internal/infrastructure/auth"
	"github.com/salesflow/backend/internal/infrastructure/logger"
	"github.com/salesflow/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// JWT context keys
const (
	JWTClaimsKey     = "jwt_claims"
	JWTOperatorIDKey = "jwt_operator_id"
	AuthHeaderKey    = "Authorization"
	BearerPrefix     = "Bearer "
)

// OperatorAuth authenticates back-office requests with an operator token and
// requires every listed scope
func OperatorAuth(jwtService *auth.JWTService, scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(AuthHeaderKey)
		if !strings.HasPrefix(header, BearerPrefix) || strings.TrimPrefix(header, BearerPrefix) == "" {
			abortAuth(c, http.StatusUnauthorized, dto.ErrCodeUnauthorized, "Authentication required", auth.ErrInvalidToken)
			return
		}

		claims, err := jwtService.ValidateToken(strings.TrimPrefix(header, BearerPrefix))
		if err != nil {
			code, message := dto.ErrCodeTokenInvalid, "Invalid token"
			switch {
			case errors.Is(err, auth.ErrExpiredToken):
				code, message = dto.ErrCodeTokenExpired, "Token has expired"
			case errors.Is(err, auth.ErrTokenNotYetValid):
				message = "Token is not yet valid"
			}
			abortAuth(c, http.StatusUnauthorized, code, message, err)
			return
		}

		for _, scope := range scopes {
			if !claims.HasScope(scope) {
				abortAuth(c, http.StatusForbidden, dto.ErrCodeForbidden, "Missing scope "+scope, nil)
				return
			}
		}

		c.Set(JWTClaimsKey, claims)
		c.Set(JWTOperatorIDKey, claims.OperatorID)

		ctx, reqLogger := logger.WithOperatorID(c.Request.Context(), logger.GetGinLogger(c), claims.OperatorID)
		c.Request = c.Request.WithContext(ctx)
		logger.SetGinLogger(c, reqLogger)

		c.Next()
	}
}

func abortAuth(c *gin.Context, status int, code, message string, err error) {
	fields := []zap.Field{
		zap.String("code", code),
		zap.String("path", c.Request.URL.Path),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logger.GetGinLogger(c).Warn("Operator authentication failed", fields...)

	c.AbortWithStatusJSON(status, dto.NewErrorResponseWithRequestID(code, message, logger.GetGinRequestID(c)))
}

// GetJWTClaims retrieves the operator claims set by OperatorAuth
func GetJWTClaims(c *gin.Context) *auth.Claims {
	if claims, exists := c.Get(JWTClaimsKey); exists {
		if jwtClaims, ok := claims.(*auth.Claims); ok {
			return jwtClaims
		}
	}
	return nil
}

// GetOperatorID retrieves the authenticated operator ID
func GetOperatorID(c *gin.Context) string {
	return c.GetString(JWTOperatorIDKey)
}

package api

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	identityKeyForContext = "lotbid-bidder-identity"
	accessTokenCookie     = "access_token"
)

// Claims 是身分提供者簽發的 access token，Subject 即為出價者 ID
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func ParseAndValidateJWT(tokenString string, config AuthConfig) (*Claims, error) {
	const op = "ParseJWT"
	if len(config.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%s: public key is not configured", op)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return config.PublicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%s: token is invalid", op)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("%s: token claims are invalid", op)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%s: token has no subject", op)
	}
	return claims, nil
}

// accessToken 從 Authorization header 取得 bearer token，沒有時改用 cookie
func accessToken(c *gin.Context) (string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return "", errors.New("malformed authorization header")
		}
		return strings.TrimSpace(token), nil
	}
	return c.Cookie(accessTokenCookie)
}

// RequireIdentity 驗證 access token，失敗時回應 401
func (impl *ServerImpl) RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := accessToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Kind: "unauthorized", Message: "missing access token"})
			return
		}
		claims, err := ParseAndValidateJWT(token, impl.config.Auth)
		if err != nil {
			impl.logger.Debug("Fail to parse and validate JWT", slog.Any("error", err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Kind: "unauthorized", Message: "invalid access token"})
			return
		}
		c.Set(identityKeyForContext, claims)
		c.Next()
	}
}

// identity 取得 RequireIdentity 驗證過的身分
func identity(c *gin.Context) *Claims {
	v, ok := c.Get(identityKeyForContext)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

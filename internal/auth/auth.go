package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// 凭证错误:两者都意味着连接必须立刻终止,由客户端带新 token 重连。
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid or expired credential")
)

// Identity 是一次连接的不可变身份,来源于已验证的 JWT claims。
type Identity struct {
	UserID   string
	Username string
}

type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"name"`
	jwt.RegisteredClaims
}

// GenerateAccessToken 签发 HS256 token,主要供测试与本地联调使用,
// 线上 token 由外部认证服务签发。
func GenerateAccessToken(userID, username, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAccessToken 验证签名与过期时间,成功返回 claims。
func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, ErrInvalidCredential
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}
	return nil, ErrInvalidCredential
}

// TokenFromRequest 依次尝试 Authorization 头、token cookie、token 查询参数。
// cookie 是网页端的默认通道,查询参数留给不便携带头部的 WS 客户端。
func TokenFromRequest(r *http.Request) (string, error) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		if t := strings.TrimSpace(authz[len("Bearer "):]); t != "" {
			return t, nil
		}
	}
	if c, err := r.Cookie("token"); err == nil && c.Value != "" {
		return c.Value, nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", ErrMissingCredential
}

// Authenticate 从请求中提取并验证凭证,返回连接身份。
func Authenticate(r *http.Request, secret string) (Identity, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return Identity{}, err
	}
	claims, err := ParseAccessToken(token, secret)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// Middleware 保护 REST 接口,验证通过后把身份写入 gin context。
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, err := Authenticate(c.Request, secret)
		if err != nil {
			if errors.Is(err, ErrMissingCredential) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("identity", ident)
		c.Next()
	}
}

// GetIdentity 读取 Middleware 写入的连接身份。
func GetIdentity(c *gin.Context) Identity {
	if v, ok := c.Get("identity"); ok {
		if ident, ok2 := v.(Identity); ok2 {
			return ident
		}
	}
	return Identity{}
}

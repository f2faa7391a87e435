// Package auth 提供 HMAC JWT 的签发与校验
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tokmz/realtime/pkg/errors"
)

var (
	// ErrInvalidToken 令牌缺失、格式错误、过期或签名不符
	ErrInvalidToken = errors.New(4101, "invalid token", http.StatusUnauthorized)
	// ErrMissingSecret 未配置签名密钥
	ErrMissingSecret = errors.New(4102, "jwt secret not configured")
)

// Config JWT 配置
type Config struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`   // 非空时校验 iss
	Audience string        `mapstructure:"audience"` // 非空时校验 aud
	Leeway   time.Duration `mapstructure:"leeway"`   // 时钟偏差容忍
	TTL      time.Duration `mapstructure:"ttl"`      // 签发默认有效期
}

// Claims 令牌声明
// 兼容旧客户端的 userId 字段，sub 缺失时回退
type Claims struct {
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// SubjectID 返回用户标识
func (c *Claims) SubjectID() string {
	if s := strings.TrimSpace(c.RegisteredClaims.Subject); s != "" {
		return s
	}
	return strings.TrimSpace(c.UserID)
}

// JWTVerifier HMAC JWT 校验器
type JWTVerifier struct {
	secret []byte
	cfg    Config
	parser *jwt.Parser
}

// NewJWTVerifier 创建校验器
func NewJWTVerifier(cfg Config) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTVerifier{
		secret: []byte(cfg.Secret),
		cfg:    cfg,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify 校验令牌并返回声明
func (v *JWTVerifier) Verify(_ context.Context, token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken.WithMessage("token required")
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken.WithError(err)
	}
	if !parsed.Valid || claims.SubjectID() == "" {
		return nil, ErrInvalidToken.WithMessage("token subject required")
	}
	return claims, nil
}

// Issue 签发令牌，ttl <= 0 时使用配置的默认有效期
func (v *JWTVerifier) Issue(userID, role string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrInvalidToken.WithMessage("user id required")
	}
	if ttl <= 0 {
		ttl = v.cfg.TTL
	}

	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.cfg.Audience}
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

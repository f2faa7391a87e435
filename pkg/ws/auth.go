package ws

import (
	"context"
	"net/http"
	"strings"
)

// bearerProtocol 通过 Sec-WebSocket-Protocol 传递令牌：bearer, <token>
const bearerProtocol = "bearer"

// Identity 认证后的用户身份
type Identity struct {
	UserID string
	Role   string
}

// TokenVerifier 令牌校验
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// VerifierFunc 函数适配 TokenVerifier
type VerifierFunc func(ctx context.Context, token string) (*Identity, error)

// Verify 实现 TokenVerifier
func (f VerifierFunc) Verify(ctx context.Context, token string) (*Identity, error) {
	return f(ctx, token)
}

// Authenticator 握手认证
type Authenticator struct {
	verifier TokenVerifier
	param    string
}

// NewAuthenticator 创建认证器，param 为查询参数名
func NewAuthenticator(v TokenVerifier, param string) *Authenticator {
	if param == "" {
		param = "token"
	}
	return &Authenticator{verifier: v, param: param}
}

// Token 依次从查询参数、Authorization 头、Sec-WebSocket-Protocol 中提取令牌
func (a *Authenticator) Token(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get(a.param)); t != "" {
		return t
	}

	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}

	var protocols []string
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protocols = append(protocols, p)
			}
		}
	}
	for i := 0; i+1 < len(protocols); i++ {
		if strings.EqualFold(protocols[i], bearerProtocol) {
			return protocols[i+1]
		}
	}
	return ""
}

// Authenticate 校验握手请求，失败返回 ErrAuthenticationFailure
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	token := a.Token(r)
	if token == "" {
		return nil, ErrAuthenticationFailure.WithMessage(ReasonAuthRequired)
	}
	if a.verifier == nil {
		return nil, ErrAuthenticationFailure.WithMessage("no token verifier configured")
	}

	ident, err := a.verifier.Verify(r.Context(), token)
	if err != nil {
		return nil, ErrAuthenticationFailure.WithMessage(ReasonAuthFailed).WithError(err)
	}
	if ident == nil || strings.TrimSpace(ident.UserID) == "" {
		return nil, ErrAuthenticationFailure.WithMessage(ReasonAuthFailed)
	}
	return ident, nil
}

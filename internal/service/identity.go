package service

import (
	"context"
	"net"
	stdhttp "net/http"
	"strconv"
	"strings"

	"wallet/internal/biz"
	"wallet/internal/conf"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/golang-jwt/jwt/v5"
)

const (
	headerUserID = "X-User-ID"
	headerRole   = "X-User-Role"
)

// IdentityResolver 解析请求方身份：网关头 > Bearer JWT > 客户端IP
type IdentityResolver struct {
	secret       []byte
	trustGateway bool
	logger       *log.Helper
}

// NewIdentityResolver 创建身份解析器
func NewIdentityResolver(c *conf.Bootstrap, logger log.Logger) *IdentityResolver {
	r := &IdentityResolver{logger: log.NewHelper(logger)}
	if c != nil && c.Auth != nil {
		r.secret = []byte(c.Auth.JwtSecret)
		r.trustGateway = c.Auth.TrustGatewayHeaders
	}
	return r
}

// Resolve 从 HTTP 请求上下文解析身份；携带但无效的令牌返回 401
func (r *IdentityResolver) Resolve(ctx context.Context) (biz.Identity, error) {
	req, ok := http.RequestFromServerContext(ctx)
	if !ok {
		return biz.Identity{}, nil
	}
	id := biz.Identity{IP: ClientIP(req)}

	if r.trustGateway {
		if raw := req.Header.Get(headerUserID); raw != "" {
			uid, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || uid <= 0 {
				r.logger.WithContext(ctx).Warnf("Invalid X-User-ID format: %s", raw)
				return id, errors.Unauthorized(ReasonTokenInvalid, GetFriendlyErrorMessage(ReasonTokenInvalid))
			}
			id.UserID = uid
			id.Role = req.Header.Get(headerRole)
			return id, nil
		}
	}

	auth := req.Header.Get("Authorization")
	if auth == "" {
		return id, nil
	}
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found || len(r.secret) == 0 {
		return id, errors.Unauthorized(ReasonTokenInvalid, GetFriendlyErrorMessage(ReasonTokenInvalid))
	}
	uid, role, err := r.parseToken(strings.TrimSpace(token))
	if err != nil {
		r.logger.WithContext(ctx).Warnf("Rejected bearer token: %v", err)
		return id, errors.Unauthorized(ReasonTokenInvalid, GetFriendlyErrorMessage(ReasonTokenInvalid))
	}
	id.UserID = uid
	id.Role = role
	return id, nil
}

// RequireUser 必须是登录用户
func (r *IdentityResolver) RequireUser(ctx context.Context) (biz.Identity, error) {
	id, err := r.Resolve(ctx)
	if err != nil {
		return id, err
	}
	if !id.Authenticated() {
		return id, unauthorized()
	}
	return id, nil
}

// RequireAdmin 必须是管理员
func (r *IdentityResolver) RequireAdmin(ctx context.Context) (biz.Identity, error) {
	id, err := r.RequireUser(ctx)
	if err != nil {
		return id, err
	}
	if !id.IsAdmin() {
		r.logger.WithContext(ctx).Warnf("User %d with role %q denied admin operation", id.UserID, id.Role)
		return id, forbidden()
	}
	return id, nil
}

func (r *IdentityResolver) parseToken(raw string) (int64, string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, "", err
	}
	if exp, err := claims.GetExpirationTime(); err != nil || exp == nil {
		return 0, "", jwt.ErrTokenRequiredClaimMissing
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return 0, "", err
	}
	uid, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || uid <= 0 {
		return 0, "", jwt.ErrTokenInvalidSubject
	}
	role, _ := claims["role"].(string)
	return uid, role, nil
}

// ClientIP 取 X-Forwarded-For 第一个地址，其次 X-Real-IP，最后连接地址
func ClientIP(req *stdhttp.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(req.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

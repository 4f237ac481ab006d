package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"WalletBridge/pkg/logger"
)

type credential struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	credentials []credential
	audit       *slog.Logger
}

// NewService 构造身份认证服务实例。没有配置任何令牌时返回禁用状态的服务。
func NewService(cfg Config) (*Service, error) {
	svc := &Service{audit: logger.Audit()}
	seen := make(map[string]struct{}, len(cfg.Tokens))
	for i, token := range cfg.Tokens {
		name := strings.TrimSpace(token.Name)
		if name == "" {
			return nil, fmt.Errorf("第 %d 个令牌缺少名称", i)
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("令牌 %s 重复配置", name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(token.Secret) == "" {
			return nil, fmt.Errorf("令牌 %s 的密钥为空", name)
		}
		subject := &Subject{
			Name:        name,
			Permissions: append([]string(nil), token.Permissions...),
			Disabled:    token.Disabled,
		}
		subject.normalise()
		svc.credentials = append(svc.credentials, credential{
			digest:  sha256.Sum256([]byte(token.Secret)),
			subject: subject,
		})
	}
	return svc, nil
}

// Enabled reports whether requests must carry a token.
func (s *Service) Enabled() bool {
	return s != nil && len(s.credentials) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回对应的主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	token, err := bearerToken(authorization)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256([]byte(token))
	var matched *Subject
	// 遍历全部凭证，避免通过耗时推断命中位置。
	for _, cred := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], cred.digest[:]) == 1 {
			matched = cred.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	if matched.Disabled {
		return nil, ErrSubjectRevoked
	}
	return matched, nil
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.Join(ErrInvalidToken, errors.New("authorization scheme must be Bearer"))
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

package runtime

import (
	"context"

	xerrors "ActionFlow/internal/errors"
)

// Credentials 是访问运行时所需的基础地址与 API Key，由外部密钥系统提供。
type Credentials struct {
	BaseURL string
	APIKey  string
}

// CredentialSource 抽象了按用户获取凭据的外部系统。
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials 直接返回配置中的凭据。
type StaticCredentials Credentials

// Credentials 实现 CredentialSource。
func (s StaticCredentials) Credentials(context.Context) (Credentials, error) {
	if s.BaseURL == "" {
		return Credentials{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置运行时地址")
	}
	return Credentials(s), nil
}

// NewClientFromSource 从凭据源取出凭据后构造客户端。
func NewClientFromSource(ctx context.Context, src CredentialSource, opts ...Option) (*Client, error) {
	if src == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置凭据源")
	}
	creds, err := src.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	return NewClient(creds, opts...)
}

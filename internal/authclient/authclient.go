// Package authclient は認証サービス（/auth/*）のJSON APIを型付きで呼び出すクライアント。
package authclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/bookshelf/pkg/httpclient"
)

// ErrMissingField は認証サービスのレスポンスに必須フィールドが欠けている場合に返る。
var ErrMissingField = errors.New("レスポンスに必須フィールドがありません")

// User は認証サービスのユーザー情報。
type User struct {
	// ID はユーザーID。
	ID int64 `json:"id"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// Username はユーザー名。
	Username string `json:"username"`
}

// Tokens は登録・ログイン時に発行されるトークンの組。
type Tokens struct {
	// AccessToken はアクセストークン。
	AccessToken string `json:"access_token"`
	// AccessJTI はアクセストークンのjti。
	AccessJTI string `json:"access_jti,omitempty"`
	// AccessExpiresAt はアクセストークンの有効期限（UTC, ISO 8601）。
	AccessExpiresAt string `json:"access_expires_at_utc"`
	// RefreshToken はリフレッシュトークン。
	RefreshToken string `json:"refresh_token"`
	// RefreshJTI はリフレッシュトークンのjti。
	RefreshJTI string `json:"refresh_jti,omitempty"`
	// RefreshExpiresAt はリフレッシュトークンの有効期限（UTC, ISO 8601）。
	RefreshExpiresAt string `json:"refresh_expires_at_utc"`
}

// AuthResponse は登録・ログインのレスポンス。
type AuthResponse struct {
	Message string `json:"message"`
	User    User   `json:"user"`
	Tokens  Tokens `json:"tokens"`
}

// RefreshResponse はアクセストークン再発行のレスポンス。
type RefreshResponse struct {
	Message         string `json:"message"`
	AccessToken     string `json:"access_token"`
	AccessJTI       string `json:"access_jti,omitempty"`
	AccessExpiresAt string `json:"access_expires_at_utc"`
}

// MessageResponse はメッセージだけを返すレスポンス。
type MessageResponse struct {
	Message string `json:"message"`
}

// TokenState はサーバー側でのトークンの許可・拒否リスト登録状態。
type TokenState struct {
	// Allowlist は許可リストに登録されているか。
	Allowlist bool `json:"allowlist"`
	// Blacklist は拒否リストに登録されているか。
	Blacklist bool `json:"blacklist"`
}

// Introspection はトークン照会のレスポンス。
type Introspection struct {
	// Decoded はサーバーが検証したクレーム。
	Decoded map[string]any `json:"decoded"`
	// ExpUTC は有効期限（UTC, ISO 8601）。expがない場合は空。
	ExpUTC string `json:"exp_utc"`
	// IsExpired は有効期限切れかどうか。
	IsExpired bool `json:"is_expired"`
	// State は許可・拒否リストの状態。
	State TokenState `json:"redis_state"`
}

// RegisterRequest はユーザー登録のリクエスト。
type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Client は認証サービスのクライアント。
type Client struct {
	http *httpclient.Client
}

// New は認証サービスのクライアントを生成する。
func New(hc *httpclient.Client) *Client {
	return &Client{http: hc}
}

// Register はユーザーを登録し、発行されたトークンを返す。
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.http.PostJSON(ctx, "/auth/register", req, &resp); err != nil {
		return nil, fmt.Errorf("ユーザー登録に失敗: %w", err)
	}
	if err := resp.Tokens.validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login はメールアドレスまたはユーザー名とパスワードでログインする。
// 識別子はemailとusernameの両方に入れて送る。サービス側がどちらかで照合する。
func (c *Client) Login(ctx context.Context, identifier, password string) (*AuthResponse, error) {
	body := map[string]string{
		"email":    identifier,
		"username": identifier,
		"password": password,
	}
	var resp AuthResponse
	if err := c.http.PostJSON(ctx, "/auth/login", body, &resp); err != nil {
		return nil, fmt.Errorf("ログインに失敗: %w", err)
	}
	if err := resp.Tokens.validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh はリフレッシュトークンを送って新しいアクセストークンを取得する。
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var resp RefreshResponse
	if err := c.http.PostJSON(ctx, "/auth/refresh", body, &resp); err != nil {
		return nil, fmt.Errorf("トークンのリフレッシュに失敗: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: access_token", ErrMissingField)
	}
	return &resp, nil
}

// Logout はアクセストークンとリフレッシュトークンを失効させる。
// refreshTokenが空の場合はアクセストークンだけが失効する。
func (c *Client) Logout(ctx context.Context, accessToken, refreshToken string) (*MessageResponse, error) {
	ctx = httpclient.WithBearerToken(ctx, accessToken)
	body := map[string]string{"refresh_token": refreshToken}
	var resp MessageResponse
	if err := c.http.PostJSON(ctx, "/auth/logout", body, &resp); err != nil {
		return nil, fmt.Errorf("ログアウトに失敗: %w", err)
	}
	return &resp, nil
}

// Introspect はサーバー側でのトークンの状態を照会する。
func (c *Client) Introspect(ctx context.Context, tok string) (*Introspection, error) {
	body := map[string]string{"token": tok}
	var resp Introspection
	if err := c.http.PostJSON(ctx, "/auth/introspect", body, &resp); err != nil {
		return nil, fmt.Errorf("トークンの照会に失敗: %w", err)
	}
	return &resp, nil
}

// ParseTimestamp はサービスが返すUTC時刻文字列を解析する。
// 末尾のZは省略されていてもよい。
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("時刻の解析に失敗: %q", s)
}

// validate は登録・ログイン時のトークンが揃っているかを確認する。
func (t Tokens) validate() error {
	if t.AccessToken == "" {
		return fmt.Errorf("%w: tokens.access_token", ErrMissingField)
	}
	if t.RefreshToken == "" {
		return fmt.Errorf("%w: tokens.refresh_token", ErrMissingField)
	}
	return nil
}

package authgw

import (
	"context"
	"errors"
	"fmt"

	"github.com/nao1215/bookshelf/internal/authclient"
	"github.com/nao1215/bookshelf/pkg/token"
)

// ErrNoAuthService は認証サービスなしで登録・ログイン・ログアウトを呼んだ場合に返る。
var ErrNoAuthService = errors.New("認証サービスが設定されていません")

// Register はユーザーを登録し、発行されたトークンでセッションを置き換える。
func (g *Gateway) Register(ctx context.Context, req authclient.RegisterRequest) (*authclient.AuthResponse, error) {
	if g.auth == nil {
		return nil, ErrNoAuthService
	}
	resp, err := g.auth.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := g.establish(resp.Tokens); err != nil {
		return nil, err
	}
	g.logger.InfoContext(ctx, "ユーザーを登録", "username", resp.User.Username)
	return resp, nil
}

// Login はログインし、発行されたトークンでセッションを置き換える。
// identifierにはメールアドレスまたはユーザー名を指定する。
func (g *Gateway) Login(ctx context.Context, identifier, password string) (*authclient.AuthResponse, error) {
	if g.auth == nil {
		return nil, ErrNoAuthService
	}
	resp, err := g.auth.Login(ctx, identifier, password)
	if err != nil {
		return nil, err
	}
	if err := g.establish(resp.Tokens); err != nil {
		return nil, err
	}
	g.logger.InfoContext(ctx, "ログイン", "username", resp.User.Username)
	return resp, nil
}

// Logout はサーバー側のトークンを失効させ、セッションを消去する。
// サーバーへの要求が失敗してもセッションは消去し、そのエラーを返す。
func (g *Gateway) Logout(ctx context.Context) (*authclient.MessageResponse, error) {
	snap := g.session.Snapshot()
	defer g.session.Clear()

	if g.auth == nil {
		return nil, ErrNoAuthService
	}
	resp, err := g.auth.Logout(ctx, snap.AccessToken, snap.RefreshToken)
	if err != nil {
		g.logger.WarnContext(ctx, "ログアウト要求に失敗", "error", err)
		return nil, err
	}
	return resp, nil
}

// establish はアクセストークンの有効期限を取り出してセッション全体を置き換える。
// 有効期限を取り出せない場合はセッションを変更しない。
func (g *Gateway) establish(tokens authclient.Tokens) error {
	expiry, err := token.ExpiresAt(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("アクセストークンの解析に失敗: %w", err)
	}
	if err := g.session.Establish(tokens.AccessToken, expiry, tokens.RefreshToken); err != nil {
		return fmt.Errorf("セッションの設定に失敗: %w", err)
	}
	return nil
}

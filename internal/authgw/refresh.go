package authgw

import (
	"context"
	"errors"
	"fmt"

	"github.com/nao1215/bookshelf/internal/session"
	"github.com/nao1215/bookshelf/pkg/httpclient"
	"github.com/nao1215/bookshelf/pkg/token"
)

// refreshAfterUnauthorized は401を受けた後のリフレッシュを行う。
// sentは401を受けたリクエストで送ったアクセストークン。
func (g *Gateway) refreshAfterUnauthorized(ctx context.Context, sent, refreshToken string) error {
	if !g.coalesce {
		return g.refresh(ctx, refreshToken)
	}
	return g.coalescedRefresh(ctx, sent, refreshToken)
}

// coalescedRefresh は同じリフレッシュトークンによる同時リフレッシュを1回の通信にまとめる。
// sentが空でなく、セッションのアクセストークンがすでにsentから変わっている場合は
// 別の呼び出しが更新済みなので通信しない。
// 先行する呼び出しがキャンセルされても後続の待機者が巻き込まれないよう、
// 通信はキャンセルを伝播しないコンテキストで行う。
func (g *Gateway) coalescedRefresh(ctx context.Context, sent, refreshToken string) error {
	if g.alreadyRefreshed(sent) {
		g.metrics.refreshed(outcomeShared)
		return nil
	}
	ch := g.group.DoChan(refreshToken, func() (any, error) {
		if g.alreadyRefreshed(sent) {
			return false, nil
		}
		return true, g.refresh(context.WithoutCancel(ctx), refreshToken)
	})
	select {
	case res := <-ch:
		if res.Err == nil && (res.Shared || res.Val == false) {
			g.metrics.refreshed(outcomeShared)
		}
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("リフレッシュの完了待ちを中断: %w", ctx.Err())
	}
}

// alreadyRefreshed はsentを送った後にアクセストークンが更新されたかを返す。
func (g *Gateway) alreadyRefreshed(sent string) bool {
	if sent == "" {
		return false
	}
	current := g.session.AccessToken()
	return current != "" && current != sent
}

// refresh は認証サービスにリフレッシュを要求してセッションのアクセストークンを更新する。
// リフレッシュトークンは更新しない。
func (g *Gateway) refresh(ctx context.Context, refreshToken string) error {
	if g.auth == nil {
		return g.refreshFailed(ctx, refreshToken, errors.New("認証サービスが設定されていません"))
	}

	resp, err := g.auth.Refresh(ctx, refreshToken)
	if err != nil {
		// キャンセルと通信エラーは認証サービスによる拒否ではないのでセッションは残す
		if ctxErr := ctx.Err(); ctxErr != nil {
			g.metrics.refreshed(outcomeCanceled)
			return fmt.Errorf("リフレッシュを中断: %w", ctxErr)
		}
		if errors.Is(err, httpclient.ErrTransport) {
			g.metrics.refreshed(outcomeTransport)
			g.logger.WarnContext(ctx, "認証サービスに接続できないためリフレッシュを中止", "error", err)
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return g.refreshFailed(ctx, refreshToken, err)
	}

	expiry, err := token.ExpiresAt(resp.AccessToken)
	if err != nil {
		return g.refreshFailed(ctx, refreshToken, fmt.Errorf("新しいアクセストークンの解析に失敗: %w", err))
	}

	if err := g.session.UpdateAccess(refreshToken, resp.AccessToken, expiry); err != nil {
		if errors.Is(err, session.ErrSessionReplaced) {
			g.logger.WarnContext(ctx, "リフレッシュ中にセッションが置き換えられたため結果を破棄")
		}
		g.metrics.refreshed(outcomeFailure)
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	g.metrics.refreshed(outcomeSuccess)
	g.logger.InfoContext(ctx, "アクセストークンをリフレッシュ", "expires_at", expiry)
	return nil
}

// refreshFailed はセッションを消去してリフレッシュ失敗を返す。
// リフレッシュ中に別のログインでセッションが置き換えられていた場合は消去しない。
func (g *Gateway) refreshFailed(ctx context.Context, refreshToken string, cause error) error {
	g.session.ClearIf(refreshToken)
	g.metrics.refreshed(outcomeFailure)
	g.logger.WarnContext(ctx, "リフレッシュに失敗したためセッションを消去", "error", cause)
	return fmt.Errorf("%w: %w", ErrRefreshFailed, cause)
}

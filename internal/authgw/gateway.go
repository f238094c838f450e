package authgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nao1215/bookshelf/internal/authclient"
	"github.com/nao1215/bookshelf/internal/session"
)

var (
	// ErrNoRefreshToken はリフレッシュトークンを保持していない状態でリフレッシュを要求した場合に返る。
	ErrNoRefreshToken = errors.New("リフレッシュトークンがありません")
	// ErrRefreshFailed はアクセストークンの再発行に失敗した場合に返る。セッションは消去済み。
	ErrRefreshFailed = errors.New("アクセストークンのリフレッシュに失敗しました")
	// ErrTransport はネットワークエラーなどでレスポンスを受け取れなかった場合に返る。
	ErrTransport = errors.New("HTTPリクエストの送信に失敗しました")
)

// maxDrainBytes は再送前に読み捨てる401レスポンスボディの上限。
const maxDrainBytes = 64 << 10

// Doer はHTTPリクエストを送信するトランスポート。*http.Client が満たす。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AuthService は認証サービスのうちゲートウェイが使う操作。*authclient.Client が満たす。
type AuthService interface {
	Register(ctx context.Context, req authclient.RegisterRequest) (*authclient.AuthResponse, error)
	Login(ctx context.Context, identifier, password string) (*authclient.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*authclient.RefreshResponse, error)
	Logout(ctx context.Context, accessToken, refreshToken string) (*authclient.MessageResponse, error)
}

// RequestOptions は1回のリクエストの内容。
// Bodyはバイト列で保持するため、再送時も同じ内容が送られる。
type RequestOptions struct {
	// Method はHTTPメソッド。空の場合はGET。
	Method string
	// Header は追加のリクエストヘッダー。Authorizationはゲートウェイが上書きする。
	Header http.Header
	// Body はリクエストボディ。
	Body []byte
}

// JSONRequest はvをJSONにしたボディとContent-Typeを持つRequestOptionsを生成する。
func JSONRequest(method string, v any) (RequestOptions, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return RequestOptions{}, fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return RequestOptions{Method: method, Header: header, Body: body}, nil
}

// Gateway は認証付きリクエストを送信するゲートウェイ。
type Gateway struct {
	// baseURL は相対パスを解決するためのベースURL。
	baseURL *url.URL
	// doer はHTTPトランスポート。
	doer Doer
	// auth は認証サービス。
	auth AuthService
	// session はトークンの組。ゲートウェイと呼び出し側で共有する。
	session *session.Session
	// logger はリフレッシュの経過を記録する。
	logger *slog.Logger
	// metrics はnilでもよい。
	metrics *Metrics
	// coalesce が真の場合、同じリフレッシュトークンによる同時リフレッシュを1回にまとめる。
	coalesce bool
	group    singleflight.Group
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

// Option はGatewayの生成オプション。
type Option func(*Gateway)

// WithLogger はロガーを設定する。既定は slog.Default()。
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithRefreshCoalescing は同時に発生したリフレッシュを1回にまとめる。
// 既定では401を受け取った呼び出しごとに独立してリフレッシュする。
func WithRefreshCoalescing() Option {
	return func(g *Gateway) { g.coalesce = true }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// New は新しいゲートウェイを生成する。
// baseURLは相対パスの解決に使う（例: "http://localhost:5000"）。
func New(baseURL string, doer Doer, auth AuthService, sess *session.Session, opts ...Option) (*Gateway, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ベースURLの解析に失敗: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("ベースURLが絶対URLではありません: %q", baseURL)
	}
	if doer == nil {
		doer = http.DefaultClient
	}
	if sess == nil {
		sess = session.New()
	}
	g := &Gateway{
		baseURL: base,
		doer:    doer,
		auth:    auth,
		session: sess,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Session はゲートウェイが使用しているセッションを返す。
func (g *Gateway) Session() *session.Session {
	return g.session
}

// BaseURL は相対パスの解決に使うベースURLを返す。
func (g *Gateway) BaseURL() string {
	return g.baseURL.String()
}

// Authenticated は現在アクセストークンが有効期限内かを返す。
func (g *Gateway) Authenticated() bool {
	return g.session.Authenticated(g.now())
}

// Do は認証付きでリクエストを送信する。
//
// アクセストークンがあればAuthorizationヘッダーに付与する。レスポンスが401で
// リフレッシュトークンがある場合はリフレッシュしてから1回だけ再送し、その結果を
// ステータスにかかわらず返す。認証サービスがリフレッシュを拒否した場合は ErrRefreshFailed、
// 認証サービスに接続できなかった場合は ErrTransport を返す。
// それ以外のレスポンスはそのまま返す。レスポンスボディは呼び出し側で閉じること。
func (g *Gateway) Do(ctx context.Context, path string, opts RequestOptions) (*http.Response, error) {
	target, err := g.resolve(path)
	if err != nil {
		return nil, err
	}

	sent := g.session.AccessToken()
	resp, err := g.send(ctx, target, opts, sent)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	refreshToken := g.session.RefreshToken()
	if refreshToken == "" {
		return resp, nil
	}
	drainAndClose(resp)

	g.logger.InfoContext(ctx, "401を受信したためリフレッシュを試行", "method", methodOf(opts), "url", target)
	if err := g.refreshAfterUnauthorized(ctx, sent, refreshToken); err != nil {
		return nil, err
	}

	g.metrics.retried()
	return g.send(ctx, target, opts, g.session.AccessToken())
}

// Refresh はリフレッシュトークンでアクセストークンを再発行し、セッションを更新する。
// リフレッシュトークンがない場合は通信せずに ErrNoRefreshToken を返す。
// 認証サービスが拒否した場合や応答が不正な場合はセッションを消去して ErrRefreshFailed を返す。
// 通信エラーは ErrTransport、コンテキストのキャンセルはその原因を返し、どちらもセッションは残す。
func (g *Gateway) Refresh(ctx context.Context) error {
	refreshToken := g.session.RefreshToken()
	if refreshToken == "" {
		return ErrNoRefreshToken
	}
	if g.coalesce {
		return g.coalescedRefresh(ctx, "", refreshToken)
	}
	return g.refresh(ctx, refreshToken)
}

// send は1回分のリクエストを組み立てて送信する。
func (g *Gateway) send(ctx context.Context, target string, opts RequestOptions, accessToken string) (*http.Response, error) {
	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, methodOf(opts), target, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	if opts.Header != nil {
		req.Header = opts.Header.Clone()
	}
	req.Header.Del("Authorization")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	start := g.now()
	resp, err := g.doer.Do(req)
	if err != nil {
		g.metrics.observeRequest("error", g.now().Sub(start))
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	g.metrics.observeRequest(strconv.Itoa(resp.StatusCode), g.now().Sub(start))
	return resp, nil
}

// resolve はパスを絶対URLに解決する。絶対URLはそのまま使う。
func (g *Gateway) resolve(path string) (string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("パスの解析に失敗: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return g.baseURL.String() + path, nil
}

// methodOf はRequestOptionsのメソッドを返す。空の場合はGET。
func methodOf(opts RequestOptions) string {
	if opts.Method == "" {
		return http.MethodGet
	}
	return opts.Method
}

// drainAndClose はコネクションを再利用できるようにボディを読み捨てて閉じる。
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()
}

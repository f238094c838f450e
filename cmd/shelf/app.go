package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nao1215/bookshelf/internal/account"
	"github.com/nao1215/bookshelf/internal/authclient"
	"github.com/nao1215/bookshelf/internal/authgw"
	"github.com/nao1215/bookshelf/internal/books"
	"github.com/nao1215/bookshelf/internal/config"
	"github.com/nao1215/bookshelf/internal/session"
	"github.com/nao1215/bookshelf/internal/store"
	"github.com/nao1215/bookshelf/pkg/httpclient"
)

var (
	// errUsage は引数の誤り。使い方を表示して終了コード2で終わる。
	errUsage = errors.New("引数が不正です")
	// errNotLoggedIn はセッションにトークンがない場合に返る。
	errNotLoggedIn = errors.New("ログインしていません")
)

const usage = `使い方: shelf [-config file] [-metrics] <command> [args]

コマンド:
  config [show | set <auth_base|books_base> <url> | reset]
  register -email <email> -username <name> -password <pw>
  login -user <email|username> -password <pw>
  logout
  refresh
  status
  introspect [-refresh]
  profile
  items [list | add -title <title> [-notes <notes>]]
  books <all | isbn <isbn> | author <name> | format <name>>
  books insert -isbn ... -title ... -year ... -price ... -stock ... -genre ... -format ... -author ...
  books update <isbn> [-title ...] [-year ...] [-price ...] [-stock ...]
  books delete <isbn>...
  books raw <all | isbn <isbn> | author <name> | format <name>>
`

// app はコマンドの実行に必要な依存をまとめたもの。
type app struct {
	cfg     *config.Client
	store   *store.Store
	session *session.Session
	auth    *authclient.Client
	authGW  *authgw.Gateway
	booksGW *authgw.Gateway
	account *account.Client
	books   *books.Client
	metrics *prometheus.Registry
	logger  *slog.Logger
	stdout  io.Writer
	stderr  io.Writer
	now     func() time.Time
}

// run はコマンドを実行して終了コードを返す。
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("shelf", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", os.Getenv("SHELF_CONFIG"), "YAML設定ファイルのパス")
	showMetrics := fs.Bool("metrics", false, "終了時にゲートウェイのメトリクスを表示する")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	a, err := newApp(ctx, *configPath, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "初期化に失敗しました: %v\n", err)
		return 1
	}
	defer a.close()

	err = a.dispatch(ctx, fs.Arg(0), fs.Args()[1:])
	if *showMetrics {
		a.printMetrics()
	}
	return a.report(err)
}

// newApp は設定と保存済みセッションを読み込み、クライアントを組み立てる。
func newApp(ctx context.Context, configPath string, stdout, stderr io.Writer) (*app, error) {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	st, err := store.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	// 保存済みの接続先は環境変数・設定ファイルより優先する
	if cfg.AuthBase, err = st.GetOr(ctx, store.KeyAuthBase, cfg.AuthBase); err != nil {
		_ = st.Close()
		return nil, err
	}
	if cfg.BooksBase, err = st.GetOr(ctx, store.KeyBooksBase, cfg.BooksBase); err != nil {
		_ = st.Close()
		return nil, err
	}

	sess := session.New()
	if err := st.LoadSession(ctx, sess); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("セッションの復元に失敗: %w", err)
	}
	sess.SetObserver(st.Observer(ctx))

	hc := httpclient.New(cfg.AuthBase, httpclient.WithTimeout(cfg.HTTPTimeout))
	auth := authclient.New(hc)
	reg := prometheus.NewRegistry()
	opts := []authgw.Option{
		authgw.WithLogger(logger),
		authgw.WithMetrics(authgw.NewMetrics(reg)),
	}
	if cfg.CoalesceRefresh {
		opts = append(opts, authgw.WithRefreshCoalescing())
	}

	authGW, err := authgw.New(cfg.AuthBase, hc.HTTPClient(), auth, sess, opts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	booksGW, err := authgw.New(cfg.BooksBase, hc.HTTPClient(), auth, sess, opts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		store:   st,
		session: sess,
		auth:    auth,
		authGW:  authGW,
		booksGW: booksGW,
		account: account.New(authGW),
		books:   books.New(booksGW),
		metrics: reg,
		logger:  logger,
		stdout:  stdout,
		stderr:  stderr,
		now:     time.Now,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("ストアのクローズに失敗", "error", err)
	}
}

// dispatch はサブコマンドを実行する。
func (a *app) dispatch(ctx context.Context, name string, args []string) error {
	switch name {
	case "config":
		return a.cmdConfig(ctx, args)
	case "register":
		return a.cmdRegister(ctx, args)
	case "login":
		return a.cmdLogin(ctx, args)
	case "logout":
		return a.cmdLogout(ctx)
	case "refresh":
		return a.cmdRefresh(ctx)
	case "status":
		return a.cmdStatus()
	case "introspect":
		return a.cmdIntrospect(ctx, args)
	case "profile":
		return a.cmdProfile(ctx)
	case "items":
		return a.cmdItems(ctx, args)
	case "books":
		return a.cmdBooks(ctx, args)
	default:
		return fmt.Errorf("%w: 不明なコマンド %q", errUsage, name)
	}
}

// report はエラーを利用者向けのメッセージにして終了コードを返す。
func (a *app) report(err error) int {
	if err == nil {
		return 0
	}

	var (
		statusErr *httpclient.StatusError
		apiErr    *books.APIError
		// 端末でなければ色は付かない
		red = color.New(color.FgRed)
	)
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintf(a.stderr, "%v\n\n%s", err, usage)
		return 2
	case errors.Is(err, authgw.ErrRefreshFailed):
		red.Fprintln(a.stderr, "認証の有効期限が切れました。もう一度ログインしてください（shelf login）")
	case errors.Is(err, authgw.ErrNoRefreshToken), errors.Is(err, errNotLoggedIn):
		red.Fprintln(a.stderr, "ログインしていません（shelf login）")
	case errors.Is(err, authgw.ErrTransport):
		red.Fprintf(a.stderr, "サーバーに接続できません: %v\n", err)
	case errors.As(err, &statusErr):
		red.Fprintf(a.stderr, "エラー (%d): %s\n", statusErr.StatusCode, statusErr.Message())
	case errors.As(err, &apiErr):
		red.Fprintf(a.stderr, "エラー (%d): %s\n", apiErr.StatusCode, apiErr.Message)
	default:
		red.Fprintf(a.stderr, "エラー: %v\n", err)
	}
	a.logger.Debug("コマンドが失敗", "error", err)
	return 1
}

// printMetrics はゲートウェイのメトリクスを "name{labels} value" 形式で表示する。
func (a *app) printMetrics() {
	families, err := a.metrics.Gather()
	if err != nil {
		a.logger.Warn("メトリクスの収集に失敗", "error", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			sort.Strings(labels)
			var suffix string
			if len(labels) > 0 {
				suffix = "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				fmt.Fprintf(a.stderr, "%s%s %g\n", mf.GetName(), suffix, m.GetCounter().GetValue())
			case m.GetHistogram() != nil:
				fmt.Fprintf(a.stderr, "%s_count%s %d\n", mf.GetName(), suffix, m.GetHistogram().GetSampleCount())
			}
		}
	}
}

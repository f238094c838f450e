package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nao1215/bookshelf/internal/account"
	"github.com/nao1215/bookshelf/internal/authclient"
	"github.com/nao1215/bookshelf/internal/store"
	"github.com/nao1215/bookshelf/pkg/token"
)

// newFlagSet はサブコマンド用のFlagSetを生成する。
func (a *app) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

// parse はフラグを解析し、失敗した場合は errUsage を返す。
func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

// cmdConfig は接続先の表示・変更を行う。
func (a *app) cmdConfig(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "show" {
		fmt.Fprintf(a.stdout, "auth_base:  %s\nbooks_base: %s\ndb_path:    %s\n", a.cfg.AuthBase, a.cfg.BooksBase, a.cfg.DBPath)
		return nil
	}

	switch args[0] {
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("%w: config set <auth_base|books_base> <url>", errUsage)
		}
		key, value := args[1], strings.TrimRight(args[2], "/")
		if key != store.KeyAuthBase && key != store.KeyBooksBase {
			return fmt.Errorf("%w: 不明な設定キー %q", errUsage, key)
		}
		if u, err := url.Parse(value); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: URLが不正です: %q", errUsage, value)
		}
		if err := a.store.Set(ctx, key, value); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%s を %s に設定しました\n", key, value)
		return nil
	case "reset":
		for _, key := range []string{store.KeyAuthBase, store.KeyBooksBase} {
			if err := a.store.Delete(ctx, key); err != nil {
				return err
			}
		}
		fmt.Fprintln(a.stdout, "接続先を既定値に戻しました")
		return nil
	default:
		return fmt.Errorf("%w: 不明なサブコマンド config %s", errUsage, args[0])
	}
}

// cmdRegister はユーザーを登録してログイン状態にする。
func (a *app) cmdRegister(ctx context.Context, args []string) error {
	fs := a.newFlagSet("register")
	email := fs.String("email", "", "メールアドレス")
	username := fs.String("username", "", "ユーザー名")
	password := fs.String("password", "", "パスワード")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *email == "" || *username == "" || *password == "" {
		return fmt.Errorf("%w: -email, -username, -password は必須です", errUsage)
	}

	resp, err := a.authGW.Register(ctx, authclient.RegisterRequest{Email: *email, Username: *username, Password: *password})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s (%s, id=%d)\n", resp.Message, resp.User.Username, resp.User.ID)
	return nil
}

// cmdLogin はログインしてセッションを保存する。
func (a *app) cmdLogin(ctx context.Context, args []string) error {
	fs := a.newFlagSet("login")
	user := fs.String("user", "", "メールアドレスまたはユーザー名")
	password := fs.String("password", "", "パスワード")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *user == "" || *password == "" {
		return fmt.Errorf("%w: -user, -password は必須です", errUsage)
	}

	resp, err := a.authGW.Login(ctx, *user, *password)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s (%s)\n", resp.Message, resp.User.Username)
	return nil
}

// cmdLogout はトークンを失効させてセッションを消去する。
func (a *app) cmdLogout(ctx context.Context) error {
	if !a.session.Snapshot().HasAccess() && a.session.RefreshToken() == "" {
		fmt.Fprintln(a.stdout, "ログインしていません")
		return nil
	}
	resp, err := a.authGW.Logout(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, resp.Message)
	return nil
}

// cmdRefresh はアクセストークンを明示的に再発行する。
func (a *app) cmdRefresh(ctx context.Context) error {
	if err := a.authGW.Refresh(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "アクセストークンを更新しました（有効期限 %s）\n", a.session.Snapshot().AccessExpiry.Local().Format(time.DateTime))
	return nil
}

// cmdStatus は保存されたトークンの内容と残り時間を表示する。
func (a *app) cmdStatus() error {
	snap := a.session.Snapshot()
	now := a.now()

	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if a.session.Authenticated(now) {
		fmt.Fprintln(w, "状態:\tログイン中")
	} else {
		fmt.Fprintln(w, "状態:\t未ログイン")
	}
	if snap.HasAccess() {
		claims, err := token.Decode(snap.AccessToken)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "ユーザー:\t%s (sub=%s)\n", claims.Username(), claims.Subject())
		fmt.Fprintf(w, "有効期限:\t%s\n", snap.AccessExpiry.Local().Format(time.DateTime))
		if remaining := snap.AccessExpiry.Sub(now); remaining > 0 {
			fmt.Fprintf(w, "残り時間:\t%s\n", remaining.Truncate(time.Second))
		} else {
			fmt.Fprintln(w, "残り時間:\t期限切れ（次のリクエストで自動更新）")
		}
	}
	if snap.RefreshToken != "" {
		fmt.Fprintln(w, "リフレッシュトークン:\tあり")
	} else {
		fmt.Fprintln(w, "リフレッシュトークン:\tなし")
	}
	return nil
}

// cmdIntrospect はローカルでデコードした内容とサーバーでの状態を並べて表示する。
func (a *app) cmdIntrospect(ctx context.Context, args []string) error {
	fs := a.newFlagSet("introspect")
	refresh := fs.Bool("refresh", false, "リフレッシュトークンを照会する")
	if err := parse(fs, args); err != nil {
		return err
	}

	tok := a.session.AccessToken()
	if *refresh {
		tok = a.session.RefreshToken()
	}
	if tok == "" {
		return fmt.Errorf("照会するトークンがありません: %w", errNotLoggedIn)
	}

	local, err := token.Decode(tok)
	if err != nil {
		return err
	}
	remote, err := a.auth.Introspect(ctx, tok)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "\tローカル\tサーバー")
	fmt.Fprintf(w, "type\t%s\t%v\n", local.Type(), remote.Decoded["type"])
	fmt.Fprintf(w, "sub\t%s\t%v\n", local.Subject(), remote.Decoded["sub"])
	localExp := "-"
	if exp, err := local.ExpiresAt(); err == nil {
		localExp = exp.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(w, "exp\t%s\t%s\n", localExp, remote.ExpUTC)
	fmt.Fprintf(w, "期限切れ\t\t%v\n", remote.IsExpired)
	fmt.Fprintf(w, "許可リスト\t\t%v\n", remote.State.Allowlist)
	fmt.Fprintf(w, "拒否リスト\t\t%v\n", remote.State.Blacklist)
	return nil
}

// cmdProfile はプロフィールを表示する。
func (a *app) cmdProfile(ctx context.Context) error {
	p, err := a.account.Profile(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "id:\t%d\nemail:\t%s\nusername:\t%s\ncreated_at:\t%s\n", p.ID, p.Email, p.Username, p.CreatedAt)
	return nil
}

// cmdItems はアイテムの一覧表示・作成を行う。
func (a *app) cmdItems(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "list" {
		items, err := a.account.Items(ctx)
		if err != nil {
			return err
		}
		printItems(a.stdout, items)
		return nil
	}
	if args[0] != "add" {
		return fmt.Errorf("%w: 不明なサブコマンド items %s", errUsage, args[0])
	}

	fs := a.newFlagSet("items add")
	title := fs.String("title", "", "タイトル")
	notes := fs.String("notes", "", "メモ")
	if err := parse(fs, args[1:]); err != nil {
		return err
	}
	item := account.NewItem{Title: *title}
	if *notes != "" {
		item.Notes = notes
	}
	id, err := a.account.CreateItem(ctx, item)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "アイテムを作成しました (id=%d)\n", id)
	return nil
}

func printItems(out io.Writer, items []account.Item) {
	if len(items) == 0 {
		fmt.Fprintln(out, "アイテムはありません")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tタイトル\tメモ\t作成日時")
	for _, it := range items {
		notes := ""
		if it.Notes != nil {
			notes = *it.Notes
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", it.ID, it.Title, notes, it.CreatedAt)
	}
}

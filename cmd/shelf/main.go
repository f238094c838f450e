// shelf は書籍カタログと認証サービスを操作するコマンドラインクライアント。
//
// 使い方:
//
//	shelf [-config file] [-metrics] <command> [args]
//
// セッション（アクセストークン・リフレッシュトークン）と接続先はSQLiteに保存し、
// 次回の実行時に復元する。アクセストークンの期限が切れている場合は
// 自動的にリフレッシュして1回だけ再送する。
package main

import (
	"context"
	"os"
	"os/signal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// 開発用サーバーのエントリポイント。
// 認証サービス（/auth/*）と書籍API（/api/*）を1つのプロセスで提供する。
// BOOKS_PORTを設定した場合は同じハンドラをそのポートでも待ち受ける。
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/bookshelf/internal/config"
	"github.com/nao1215/bookshelf/internal/devserver"
)

func main() {
	configPath := flag.String("config", os.Getenv("DEVSERVER_CONFIG"), "YAML設定ファイルのパス")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	opts := []devserver.Option{devserver.WithLogger(logger), devserver.WithAccessLog(os.Stdout)}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = devserver.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Redisの初期化に失敗: %v", err)
		}
		defer rdb.Close()
		opts = append(opts, devserver.WithRegistry(devserver.NewRedisRegistry(rdb)))
	}

	server, err := devserver.New(ctx, *cfg, opts...)
	if err != nil {
		log.Fatalf("開発用サーバーの初期化に失敗: %v", err)
	}
	defer server.Close()

	ports := []string{cfg.Port}
	if cfg.BooksPort != "" && cfg.BooksPort != cfg.Port {
		ports = append(ports, cfg.BooksPort)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, port := range ports {
		srv := &http.Server{
			Addr:              ":" + port,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Printf("開発用サーバーを起動します: :%s (registry=%s)", port, server.Registry().Name())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("開発用サーバーの起動に失敗: %v", err)
	}
	log.Printf("開発用サーバーを停止しました")
}

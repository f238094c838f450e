// Package config は環境変数（と任意のYAMLファイル）から設定を読み込む。
//
// 読み込み前にカレントディレクトリの .env を環境変数として読み込む（存在しなければ無視する）。
// YAMLファイルの値より環境変数の値が優先される。
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Client はCLIクライアントの設定。
type Client struct {
	// AuthBase は認証サービスのベースURL。
	AuthBase string `yaml:"auth_base" env:"SHELF_AUTH_BASE" env-default:"http://localhost:5001"`
	// BooksBase は書籍APIのベースURL。
	BooksBase string `yaml:"books_base" env:"SHELF_BOOKS_BASE" env-default:"http://localhost:5000"`
	// DBPath はセッションと設定を保存するSQLiteファイルのパス。
	DBPath string `yaml:"db_path" env:"SHELF_DB_PATH" env-default:"shelf.db"`
	// HTTPTimeout はHTTPクライアントのタイムアウト。
	HTTPTimeout time.Duration `yaml:"http_timeout" env:"SHELF_HTTP_TIMEOUT" env-default:"30s"`
	// CoalesceRefresh が真の場合、同時に発生したリフレッシュを1回にまとめる。
	CoalesceRefresh bool `yaml:"coalesce_refresh" env:"SHELF_COALESCE_REFRESH" env-default:"false"`
	// LogLevel はログレベル（debug / info / warn / error）。
	LogLevel string `yaml:"log_level" env:"SHELF_LOG_LEVEL" env-default:"warn"`
}

// Server は開発用サーバーの設定。
type Server struct {
	// Port は待ち受けポート。
	Port string `yaml:"port" env:"PORT" env-default:"5001"`
	// BooksPort は書籍API用に追加で待ち受けるポート。空の場合はPortだけで待ち受ける。
	BooksPort string `yaml:"books_port" env:"BOOKS_PORT" env-default:"5000"`
	// DBPath はSQLiteファイルのパス。
	DBPath string `yaml:"db_path" env:"DEVSERVER_DB_PATH" env-default:"devserver.db"`
	// JWTSecret はトークン署名用の秘密鍵。
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET" env-default:"change-me-in-production"`
	// AccessTokenTTL はアクセストークンの有効期間。
	AccessTokenTTL time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL" env-default:"15m"`
	// RefreshTokenTTL はリフレッシュトークンの有効期間。
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL" env-default:"168h"`
	// RedisURL が空でなければトークンの許可・拒否リストをRedisで管理する。
	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`
	// AllowedOrigins はCORSで許可するオリジン。"*" はすべて許可。
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost:8080,http://127.0.0.1:8080"`
}

// LoadClient はクライアントの設定を読み込む。pathが空の場合は環境変数だけを使う。
func LoadClient(path string) (*Client, error) {
	var cfg Client
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	cfg.AuthBase = strings.TrimRight(cfg.AuthBase, "/")
	cfg.BooksBase = strings.TrimRight(cfg.BooksBase, "/")
	return &cfg, nil
}

// LoadServer は開発用サーバーの設定を読み込む。pathが空の場合は環境変数だけを使う。
func LoadServer(path string) (*Server, error) {
	var cfg Server
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.AccessTokenTTL <= 0 || cfg.RefreshTokenTTL <= 0 {
		return nil, fmt.Errorf("トークンの有効期間は正の値である必要があります: access=%s, refresh=%s", cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	}
	return &cfg, nil
}

// load は.envを読み込んだうえで設定ファイルまたは環境変数を読み込む。
func load(path string, cfg any) error {
	// .envがなくてもエラーにしない
	_ = godotenv.Load()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("設定ファイルが見つかりません: %w", err)
		}
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		return nil
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}
	return nil
}

// SlogLevel はLogLevelをslog.Levelに変換する。不明な値はWarn。
func (c *Client) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelWarn
	}
	return level
}

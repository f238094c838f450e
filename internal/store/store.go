// Package store はクライアントの設定とセッションをSQLiteに永続化する。
//
// キーと値の組で保存する。保存するキー:
//
//	auth_base      認証サービスのベースURL
//	books_base     書籍APIのベースURL
//	access_token   アクセストークン
//	refresh_token  リフレッシュトークン
//
// アクセストークンの有効期限は保存せず、読み込み時にトークンから取り出す。
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/nao1215/bookshelf/internal/session"
	"github.com/nao1215/bookshelf/pkg/migration"
	"github.com/nao1215/bookshelf/pkg/token"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// 保存するキー。
const (
	KeyAuthBase     = "auth_base"
	KeyBooksBase    = "books_base"
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// ErrNotFound はキーが保存されていない場合に返る。
var ErrNotFound = errors.New("キーが見つかりません")

// Store はSQLiteのキー・バリューストア。
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open はpathのSQLiteデータベースを開き、マイグレーションを適用する。
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("DB接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", migration.WithLogger(logger)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("マイグレーション実行に失敗: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close はデータベースを閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Get はキーの値を返す。保存されていない場合は ErrNotFound。
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("設定の取得に失敗: %w", err)
	}
	return value, nil
}

// GetOr はキーの値を返す。保存されていない場合はdefを返す。
func (s *Store) GetOr(ctx context.Context, key, def string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	return v, err
}

// Set はキーに値を保存する。
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("設定の保存に失敗: %w", err)
	}
	return nil
}

// Delete はキーを削除する。存在しない場合も成功とする。
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("設定の削除に失敗: %w", err)
	}
	return nil
}

// All は保存されているすべての値をキー順で返す。
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("設定一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// LoadSession は保存されているトークンでセッションを復元する。
// 保存されたアクセストークンを解析できない場合はアクセストークンを捨てる。
func (s *Store) LoadSession(ctx context.Context, sess *session.Session) error {
	access, err := s.GetOr(ctx, KeyAccessToken, "")
	if err != nil {
		return err
	}
	refresh, err := s.GetOr(ctx, KeyRefreshToken, "")
	if err != nil {
		return err
	}

	snap := session.Snapshot{RefreshToken: refresh}
	if access != "" {
		exp, err := token.ExpiresAt(access)
		if err != nil {
			s.logger.WarnContext(ctx, "保存されたアクセストークンを解析できないため破棄", "error", err)
		} else {
			snap.AccessToken = access
			snap.AccessExpiry = exp
		}
	}
	return sess.Restore(snap)
}

// SaveSession はセッションの内容を保存する。空のトークンはキーごと削除する。
// session.Session のオブザーバーとして使える。
func (s *Store) SaveSession(ctx context.Context, snap session.Snapshot) error {
	for key, value := range map[string]string{KeyAccessToken: snap.AccessToken, KeyRefreshToken: snap.RefreshToken} {
		var err error
		if value == "" {
			err = s.Delete(ctx, key)
		} else {
			err = s.Set(ctx, key, value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Observer はセッションの変化を保存するオブザーバー関数を返す。
// 保存に失敗した場合はログに記録する。
func (s *Store) Observer(ctx context.Context) func(session.Snapshot) {
	return func(snap session.Snapshot) {
		if err := s.SaveSession(ctx, snap); err != nil {
			s.logger.ErrorContext(ctx, "セッションの保存に失敗", "error", err)
		}
	}
}

package devserver

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/bookshelf/pkg/middleware"
)

// TokenState はトークンの許可リスト・拒否リストへの登録状態。
type TokenState struct {
	Allowlist bool `json:"allowlist"`
	Blacklist bool `json:"blacklist"`
}

// Active は許可リストにあり拒否リストにないかを返す。
func (s TokenState) Active() bool {
	return s.Allowlist && !s.Blacklist
}

// TokenRegistry は発行したトークンのjtiを管理する。
// 発行時に許可リストへ登録し、失効時に拒否リストへ移す。
type TokenRegistry interface {
	// Allow は発行したトークンをttlの間だけ許可リストに登録する。
	Allow(ctx context.Context, typ middleware.TokenType, jti string, userID int64, username string, ttl time.Duration) error
	// Revoke はトークンをttlの間だけ拒否リストに登録し、許可リストから外す。
	Revoke(ctx context.Context, typ middleware.TokenType, jti string, ttl time.Duration) error
	// State はトークンの登録状態を返す。
	State(ctx context.Context, typ middleware.TokenType, jti string) (TokenState, error)
	// Ping は保存先に到達できるかを確認する。
	Ping(ctx context.Context) error
	// Name は保存先の種類（"sqlite" / "redis"）。
	Name() string
}

// SQLiteRegistry はSQLiteのテーブルでトークンを管理する。
// 期限切れの行は参照時に無視し、登録時にまとめて削除する。
type SQLiteRegistry struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRegistry はSQLiteRegistryを生成する。
// token_allowlist / token_denylist テーブルが作成済みである必要がある。
func NewSQLiteRegistry(db *sql.DB) *SQLiteRegistry {
	return &SQLiteRegistry{db: db, now: time.Now}
}

// Name は "sqlite" を返す。
func (r *SQLiteRegistry) Name() string { return "sqlite" }

// Ping はデータベースへの接続を確認する。
func (r *SQLiteRegistry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Allow はトークンを許可リストに登録する。
func (r *SQLiteRegistry) Allow(ctx context.Context, typ middleware.TokenType, jti string, userID int64, username string, ttl time.Duration) error {
	now := r.now()
	if err := r.purge(ctx, now); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO token_allowlist (jti, kind, user_id, username, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jti) DO UPDATE SET expires_at = excluded.expires_at
	`, jti, string(typ), userID, username, now.Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("許可リストへの登録に失敗: %w", err)
	}
	return nil
}

// Revoke はトークンを拒否リストに移す。
func (r *SQLiteRegistry) Revoke(ctx context.Context, typ middleware.TokenType, jti string, ttl time.Duration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO token_denylist (jti, kind, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(jti) DO UPDATE SET expires_at = excluded.expires_at
	`, jti, string(typ), r.now().Add(ttl).Unix()); err != nil {
		return fmt.Errorf("拒否リストへの登録に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM token_allowlist WHERE jti = ? AND kind = ?", jti, string(typ)); err != nil {
		return fmt.Errorf("許可リストからの削除に失敗: %w", err)
	}
	return tx.Commit()
}

// State はトークンの登録状態を返す。
func (r *SQLiteRegistry) State(ctx context.Context, typ middleware.TokenType, jti string) (TokenState, error) {
	now := r.now().Unix()
	var state TokenState
	err := r.db.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM token_allowlist WHERE jti = ? AND kind = ? AND expires_at > ?),
			EXISTS (SELECT 1 FROM token_denylist WHERE jti = ? AND kind = ? AND expires_at > ?)
	`, jti, string(typ), now, jti, string(typ), now).Scan(&state.Allowlist, &state.Blacklist)
	if err != nil {
		return TokenState{}, fmt.Errorf("トークン状態の取得に失敗: %w", err)
	}
	return state, nil
}

// purge は期限切れの行を削除する。
func (r *SQLiteRegistry) purge(ctx context.Context, now time.Time) error {
	for _, table := range []string{"token_allowlist", "token_denylist"} {
		if _, err := r.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE expires_at <= ?", now.Unix()); err != nil {
			return fmt.Errorf("期限切れトークンの削除に失敗: %w", err)
		}
	}
	return nil
}

// RedisRegistry はRedisのキーの有効期限でトークンを管理する。
//
//	access:session:{jti}   アクセストークンの許可リスト（user_id, usernameのハッシュ）
//	refresh:session:{jti}  リフレッシュトークンの許可リスト
//	bl:access:{jti}        アクセストークンの拒否リスト
//	bl:refresh:{jti}       リフレッシュトークンの拒否リスト
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry はRedisRegistryを生成する。
func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

// Name は "redis" を返す。
func (r *RedisRegistry) Name() string { return "redis" }

// Ping はRedisへの接続を確認する。
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Allow はトークンを許可リストに登録する。
func (r *RedisRegistry) Allow(ctx context.Context, typ middleware.TokenType, jti string, userID int64, username string, ttl time.Duration) error {
	key := allowKey(typ, jti)
	if typ == middleware.TokenAccess {
		if err := r.client.HSet(ctx, key, "user_id", strconv.FormatInt(userID, 10), "username", username).Err(); err != nil {
			return fmt.Errorf("許可リストへの登録に失敗: %w", err)
		}
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("許可リストの有効期限設定に失敗: %w", err)
		}
		return nil
	}
	if err := r.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("許可リストへの登録に失敗: %w", err)
	}
	return nil
}

// Revoke はトークンを拒否リストに移す。
func (r *RedisRegistry) Revoke(ctx context.Context, typ middleware.TokenType, jti string, ttl time.Duration) error {
	if err := r.client.Set(ctx, denyKey(typ, jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("拒否リストへの登録に失敗: %w", err)
	}
	if err := r.client.Del(ctx, allowKey(typ, jti)).Err(); err != nil {
		return fmt.Errorf("許可リストからの削除に失敗: %w", err)
	}
	return nil
}

// State はトークンの登録状態を返す。
func (r *RedisRegistry) State(ctx context.Context, typ middleware.TokenType, jti string) (TokenState, error) {
	denied, err := r.client.Exists(ctx, denyKey(typ, jti)).Result()
	if err != nil {
		return TokenState{}, fmt.Errorf("拒否リストの確認に失敗: %w", err)
	}
	allowed, err := r.client.Exists(ctx, allowKey(typ, jti)).Result()
	if err != nil {
		return TokenState{}, fmt.Errorf("許可リストの確認に失敗: %w", err)
	}
	return TokenState{Allowlist: allowed == 1, Blacklist: denied > 0}, nil
}

func allowKey(typ middleware.TokenType, jti string) string {
	return string(typ) + ":session:" + jti
}

func denyKey(typ middleware.TokenType, jti string) string {
	return "bl:" + string(typ) + ":" + jti
}

// OpenRedis はURL（redis://...）からクライアントを生成し、接続を確認する。
func OpenRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URLの解析に失敗: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return client, nil
}

// isActive は許可リストにあり拒否リストにないかを返す。
func isActive(ctx context.Context, reg TokenRegistry, typ middleware.TokenType, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	state, err := reg.State(ctx, typ, jti)
	if err != nil {
		return false, err
	}
	return state.Active(), nil
}

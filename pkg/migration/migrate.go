// Package migration はSQLiteデータベースのスキーマを順番に適用する。
// fs.FSから 000001_description.up.sql 形式のSQLファイルを読み込み、
// schema_migrations テーブルで適用済みバージョンを管理する。
package migration

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
)

// upSuffix は適用対象のファイル名の接尾辞。
const upSuffix = ".up.sql"

// Migration は1つのマイグレーションファイル。
type Migration struct {
	// Version はファイル名先頭の数値。
	Version int
	// Name はバージョンに続く説明部分。
	Name string
	// path はfs.FS内のパス。
	path string
}

// String は "000001_name" 形式の表記を返す。
func (m Migration) String() string {
	return fmt.Sprintf("%06d_%s", m.Version, m.Name)
}

// Migrator はマイグレーションを適用する。
type Migrator struct {
	db     *sql.DB
	fsys   fs.FS
	dir    string
	logger *slog.Logger
}

// Option はMigratorの生成オプション。
type Option func(*Migrator)

// WithLogger は適用ログの出力先を設定する。既定は slog.Default()。
func WithLogger(l *slog.Logger) Option {
	return func(m *Migrator) {
		if l != nil {
			m.logger = l
		}
	}
}

// New はfsysのdir以下のSQLファイルをdbに適用するMigratorを生成する。
func New(db *sql.DB, fsys fs.FS, dir string, opts ...Option) *Migrator {
	m := &Migrator{db: db, fsys: fsys, dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run は未適用のマイグレーションをバージョン順に適用し、適用したものを返す。
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir string, opts ...Option) ([]Migration, error) {
	return New(db, fsys, dir, opts...).Up(ctx)
}

// Up は未適用のマイグレーションをバージョン順に適用し、適用したものを返す。
// 1つのマイグレーションは1つのトランザクションで適用する。
func (m *Migrator) Up(ctx context.Context) ([]Migration, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}

	var done []Migration
	for _, mig := range pending {
		if err := m.apply(ctx, mig); err != nil {
			return done, fmt.Errorf("マイグレーション %s の適用に失敗: %w", mig, err)
		}
		m.logger.InfoContext(ctx, "[Migration] マイグレーションを適用しました", "migration", mig.String())
		done = append(done, mig)
	}
	return done, nil
}

// Pending は未適用のマイグレーションをバージョン順に返す。
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}
	all, err := m.collect()
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}
	return slices.DeleteFunc(all, func(mig Migration) bool { return applied[mig.Version] }), nil
}

// ensureTable はバージョン管理テーブルを作成する。
func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

// appliedVersions は適用済みのバージョンを取得する。
func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// collect はディレクトリからup.sqlファイルを集めてバージョン順に並べる。
// 同じバージョンのファイルが複数ある場合はエラー。
func (m *Migrator) collect() ([]Migration, error) {
	entries, err := fs.ReadDir(m.fsys, m.dir)
	if err != nil {
		return nil, err
	}

	var out []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), upSuffix) {
			continue
		}
		prefix, rest, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("バージョン %06d が重複しています: %s, %s", version, other, entry.Name())
		}
		seen[version] = entry.Name()
		out = append(out, Migration{
			Version: version,
			Name:    strings.TrimSuffix(rest, upSuffix),
			path:    path.Join(m.dir, entry.Name()),
		})
	}

	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// apply は1つのマイグレーションをトランザクション内で適用する。
func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	content, err := fs.ReadFile(m.fsys, mig.path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", mig.Version, mig.Name); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}

package devserver

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/nao1215/bookshelf/internal/config"
	"github.com/nao1215/bookshelf/pkg/middleware"
	"github.com/nao1215/bookshelf/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Server は開発用サーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// db はSQLiteデータベース接続。
	db *sql.DB
	// registry は発行済みトークンの管理先。
	registry TokenRegistry
	// cfg はサーバー設定。
	cfg config.Server
	// logger はアプリケーションログの出力先。
	logger *slog.Logger
	// metrics は /metrics で公開するレジストリ。
	metrics *prometheus.Registry
	// accessLog が nil でなければリクエストログを書き込む。
	accessLog io.Writer
	// bcryptCost はパスワードハッシュのコスト。
	bcryptCost int
	// now は現在時刻を返す。
	now func() time.Time
}

// Option はServerの生成オプション。
type Option func(*Server)

// WithLogger はログの出力先を設定する。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRegistry はトークンの管理先を設定する。既定はSQLite。
func WithRegistry(r TokenRegistry) Option {
	return func(s *Server) { s.registry = r }
}

// WithAccessLog はリクエストログ（gin.Logger形式）の出力先を設定する。
func WithAccessLog(w io.Writer) Option {
	return func(s *Server) { s.accessLog = w }
}

// WithBcryptCost はパスワードハッシュのコストを設定する。
func WithBcryptCost(cost int) Option {
	return func(s *Server) { s.bcryptCost = cost }
}

// New はデータベースを開いてマイグレーションを適用し、サーバーを生成する。
func New(ctx context.Context, cfg config.Server, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     slog.Default(),
		metrics:    prometheus.NewRegistry(),
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", migration.WithLogger(s.logger)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("マイグレーション実行に失敗: %w", err)
	}
	s.db = db
	if s.registry == nil {
		s.registry = NewSQLiteRegistry(db)
	}

	s.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.router = gin.New()
	s.router.Use(middleware.Recovery(s.logger))
	if s.accessLog != nil {
		s.router.Use(gin.LoggerWithWriter(s.accessLog))
	}
	s.router.Use(middleware.HTTPMetrics(s.metrics))
	s.router.Use(middleware.CORS(cfg.AllowedOrigins))
	s.setupRoutes()

	return s, nil
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry はトークンの管理先を返す。
func (s *Server) Registry() TokenRegistry {
	return s.registry
}

// Close はデータベースを閉じる。
func (s *Server) Close() error {
	return s.db.Close()
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := s.router.Group("/auth")
	{
		auth.POST("/register", s.handleRegister())
		auth.POST("/login", s.handleLogin())
		auth.POST("/refresh", s.handleRefresh())
		auth.POST("/logout", s.jwtAuth(nil), s.handleLogout())
		auth.POST("/introspect", s.handleIntrospect())
	}

	api := s.router.Group("/api")
	{
		protected := api.Group("", s.jwtAuth(nil))
		protected.GET("/profile", s.handleProfile())
		protected.GET("/items", s.handleListItems())
		protected.POST("/items", s.handleCreateItem())

		// 書籍APIは認証エラーもXMLで返す
		books := api.Group("/books", s.jwtAuth(abortXML))
		books.GET("", s.handleAllBooks())
		books.GET("/isbn/:isbn", s.handleBookByISBN())
		books.GET("/author/:name", s.handleBooksByAuthor())
		books.GET("/format/:name", s.handleBooksByFormat())
		books.POST("/insert", s.idempotent(), s.handleInsertBook())
		books.PUT("/update/:isbn", s.idempotent(), s.handleUpdateBook())
		books.DELETE("/delete", s.idempotent(), s.handleDeleteBooks())
	}

	s.router.GET("/libros.xsl", s.handleStylesheet())
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})))
}

// jwtAuth はアクセストークンを検証し、許可リストで失効を確認するミドルウェアを返す。
func (s *Server) jwtAuth(abort middleware.AbortFunc) gin.HandlerFunc {
	return middleware.JWTAuth(middleware.JWTAuthConfig{
		Secret: s.cfg.JWTSecret,
		IsActive: func(ctx context.Context, claims *middleware.JWTClaims) (bool, error) {
			return isActive(ctx, s.registry, middleware.TokenAccess, claims.ID)
		},
		Abort: abort,
	})
}

// handleHealth はデータベースとトークン管理先の疎通を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		dbOK := s.db.PingContext(ctx) == nil
		registryOK := s.registry.Ping(ctx) == nil
		status, code := "ok", http.StatusOK
		if !dbOK || !registryOK {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":      status,
			"db":          dbOK,
			"registry":    s.registry.Name(),
			"registry_ok": registryOK,
		})
	}
}

package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/bookshelf/pkg/middleware"
)

// ログアウト時に拒否リストへ残す最短期間。
const (
	minAccessDenyTTL  = time.Minute
	minRefreshDenyTTL = 5 * time.Minute
)

// userJSON はレスポンスに含めるユーザー情報。
type userJSON struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// tokensJSON は登録・ログイン時に返すトークンの組。
type tokensJSON struct {
	AccessToken      string `json:"access_token"`
	AccessJTI        string `json:"access_jti"`
	AccessExpiresAt  string `json:"access_expires_at_utc"`
	RefreshToken     string `json:"refresh_token"`
	RefreshJTI       string `json:"refresh_jti"`
	RefreshExpiresAt string `json:"refresh_expires_at_utc"`
}

// credentials は登録・ログインのリクエスト。
type credentials struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleRegister はユーザーを登録してトークンを発行するハンドラを返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentials
		_ = c.ShouldBindJSON(&req)
		email := strings.ToLower(strings.TrimSpace(req.Email))
		username := strings.TrimSpace(req.Username)
		if email == "" || username == "" || req.Password == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email, username, passwordは必須です"})
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
		if err != nil {
			s.internalError(c, "パスワードのハッシュ化に失敗", err)
			return
		}

		res, err := s.db.ExecContext(c.Request.Context(),
			"INSERT INTO users (email, username, password_hash) VALUES (?, ?, ?)", email, username, string(hash))
		if isUniqueViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "emailまたはusernameは既に使われています"})
			return
		}
		if err != nil {
			s.internalError(c, "ユーザー登録に失敗", err)
			return
		}
		id, err := res.LastInsertId()
		if err != nil {
			s.internalError(c, "ユーザーIDの取得に失敗", err)
			return
		}

		tokens, err := s.issueTokens(c.Request.Context(), id, username)
		if err != nil {
			s.internalError(c, "トークン発行に失敗", err)
			return
		}
		s.logger.InfoContext(c.Request.Context(), "[Auth] ユーザーを登録しました", "user_id", id)
		c.JSON(http.StatusCreated, gin.H{
			"message": "ユーザーを登録しました",
			"user":    userJSON{ID: id, Email: email, Username: username},
			"tokens":  tokens,
		})
	}
}

// handleLogin はメールアドレスまたはユーザー名で認証してトークンを発行するハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentials
		_ = c.ShouldBindJSON(&req)
		who := strings.TrimSpace(req.Email)
		if who == "" {
			who = strings.TrimSpace(req.Username)
		}
		who = strings.ToLower(who)
		if who == "" || req.Password == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email/usernameとpasswordは必須です"})
			return
		}

		var (
			user userJSON
			hash string
		)
		err := s.db.QueryRowContext(c.Request.Context(),
			"SELECT id, email, username, password_hash FROM users WHERE email = ? OR lower(username) = ?", who, who,
		).Scan(&user.ID, &user.Email, &user.Username, &hash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			s.internalError(c, "ユーザー取得に失敗", err)
			return
		}
		if err != nil || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "認証情報が正しくありません"})
			return
		}

		tokens, err := s.issueTokens(c.Request.Context(), user.ID, user.Username)
		if err != nil {
			s.internalError(c, "トークン発行に失敗", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "ログインしました",
			"user":    user,
			"tokens":  tokens,
		})
	}
}

// handleRefresh はリフレッシュトークンを検証してアクセストークンを再発行するハンドラを返す。
// リフレッシュトークン自体は再発行しない。
func (s *Server) handleRefresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = c.ShouldBindJSON(&req)
		rt := strings.TrimSpace(req.RefreshToken)
		if rt == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_tokenは必須です"})
			return
		}

		claims, err := middleware.ParseJWT(s.cfg.JWTSecret, rt, middleware.TokenRefresh)
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "リフレッシュトークンの有効期限が切れています"})
			return
		case errors.Is(err, middleware.ErrWrongTokenType):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "リフレッシュトークンではありません"})
			return
		case err != nil:
			c.JSON(http.StatusUnauthorized, gin.H{"error": "リフレッシュトークンが無効です"})
			return
		}
		userID, err := claims.UserID()
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "リフレッシュトークンが無効です"})
			return
		}

		active, err := isActive(c.Request.Context(), s.registry, middleware.TokenRefresh, claims.ID)
		if err != nil {
			s.internalError(c, "トークン状態の確認に失敗", err)
			return
		}
		if !active {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "リフレッシュトークンは失効しています"})
			return
		}

		var username string
		err = s.db.QueryRowContext(c.Request.Context(), "SELECT username FROM users WHERE id = ?", userID).Scan(&username)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーが存在しません"})
			return
		}
		if err != nil {
			s.internalError(c, "ユーザー取得に失敗", err)
			return
		}

		access, err := s.issue(c.Request.Context(), middleware.TokenAccess, userID, username, s.cfg.AccessTokenTTL)
		if err != nil {
			s.internalError(c, "トークン発行に失敗", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":               "アクセストークンを再発行しました",
			"access_token":          access.Token,
			"access_jti":            access.JTI,
			"access_expires_at_utc": formatUTC(access.ExpiresAt),
		})
	}
}

// handleLogout はBearerのアクセストークンと、指定があればリフレッシュトークンを失効させるハンドラを返す。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		claims := middleware.GetClaims(c)
		if err := s.registry.Revoke(ctx, middleware.TokenAccess, claims.ID, s.denyTTL(claims, minAccessDenyTTL)); err != nil {
			s.internalError(c, "アクセストークンの失効に失敗", err)
			return
		}

		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = c.ShouldBindJSON(&req)
		if rt := strings.TrimSpace(req.RefreshToken); rt != "" {
			// 期限切れや不正なリフレッシュトークンは失効済みとみなして無視する
			if refresh, err := middleware.ParseJWT(s.cfg.JWTSecret, rt, middleware.TokenRefresh); err == nil && refresh.ID != "" {
				if err := s.registry.Revoke(ctx, middleware.TokenRefresh, refresh.ID, s.denyTTL(refresh, minRefreshDenyTTL)); err != nil {
					s.internalError(c, "リフレッシュトークンの失効に失敗", err)
					return
				}
			}
		}

		c.JSON(http.StatusOK, gin.H{"message": "ログアウトしました。トークンを失効させました"})
	}
}

// handleIntrospect はトークンの署名を検証し、クレームと登録状態を返すハンドラを返す。
// 有効期限切れのトークンも照会できる。
func (s *Server) handleIntrospect() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Token string `json:"token"`
		}
		_ = c.ShouldBindJSON(&req)
		tok := strings.TrimSpace(req.Token)
		if tok == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tokenは必須です"})
			return
		}

		claims, err := middleware.ParseJWT(s.cfg.JWTSecret, tok, "", jwt.WithoutClaimsValidation())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "トークンが無効です"})
			return
		}

		state, err := s.registry.State(c.Request.Context(), claims.Type, claims.ID)
		if err != nil {
			s.internalError(c, "トークン状態の確認に失敗", err)
			return
		}

		var expUTC string
		expired := false
		if claims.ExpiresAt != nil {
			expUTC = formatUTC(claims.ExpiresAt.Time)
			expired = !s.now().Before(claims.ExpiresAt.Time)
		}
		c.JSON(http.StatusOK, gin.H{
			"decoded":     claims,
			"exp_utc":     expUTC,
			"is_expired":  expired,
			"redis_state": state,
		})
	}
}

// issueTokens はアクセストークンとリフレッシュトークンを発行する。
func (s *Server) issueTokens(ctx context.Context, userID int64, username string) (tokensJSON, error) {
	access, err := s.issue(ctx, middleware.TokenAccess, userID, username, s.cfg.AccessTokenTTL)
	if err != nil {
		return tokensJSON{}, err
	}
	refresh, err := s.issue(ctx, middleware.TokenRefresh, userID, username, s.cfg.RefreshTokenTTL)
	if err != nil {
		return tokensJSON{}, err
	}
	return tokensJSON{
		AccessToken:      access.Token,
		AccessJTI:        access.JTI,
		AccessExpiresAt:  formatUTC(access.ExpiresAt),
		RefreshToken:     refresh.Token,
		RefreshJTI:       refresh.JTI,
		RefreshExpiresAt: formatUTC(refresh.ExpiresAt),
	}, nil
}

// issue はトークンを1つ発行して許可リストに登録する。
func (s *Server) issue(ctx context.Context, typ middleware.TokenType, userID int64, username string, ttl time.Duration) (middleware.Issued, error) {
	issued, err := middleware.GenerateJWT(s.cfg.JWTSecret, typ, userID, username, ttl)
	if err != nil {
		return middleware.Issued{}, err
	}
	if err := s.registry.Allow(ctx, typ, issued.JTI, userID, username, ttl); err != nil {
		return middleware.Issued{}, fmt.Errorf("%sトークンの登録に失敗: %w", typ, err)
	}
	return issued, nil
}

// denyTTL は拒否リストに残す期間を返す。トークンの残り有効期間とminの長い方。
func (s *Server) denyTTL(claims *middleware.JWTClaims, minTTL time.Duration) time.Duration {
	if claims.ExpiresAt == nil {
		return minTTL
	}
	return max(claims.ExpiresAt.Sub(s.now()), minTTL)
}

// internalError は500を返し、原因をログに記録する。
func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.ErrorContext(c.Request.Context(), msg, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

// isUniqueViolation はUNIQUE制約違反かを返す。
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func formatUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType はトークンの種類（typeクレーム）。
type TokenType string

const (
	// TokenAccess はAPI呼び出しに使うアクセストークン。
	TokenAccess TokenType = "access"
	// TokenRefresh はアクセストークンの再発行に使うリフレッシュトークン。
	TokenRefresh TokenType = "refresh"
)

// issuer はトークンの発行者。
const issuer = "bookshelf-devserver"

// ErrWrongTokenType はトークンの種類が期待と異なる場合に返る。
var ErrWrongTokenType = errors.New("トークンの種類が不正です")

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
// subはユーザーID、jtiはトークンごとの一意なID。
type JWTClaims struct {
	jwt.RegisteredClaims
	// Username はユーザー名。アクセストークンのみ。
	Username string `json:"username,omitempty"`
	// Type はトークンの種類。
	Type TokenType `json:"type"`
}

// UserID はsubクレームを数値のユーザーIDとして返す。
func (c *JWTClaims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("subクレームが不正です: %w", err)
	}
	return id, nil
}

// Issued は発行したトークンとその属性。
type Issued struct {
	// Token は署名済みトークン。
	Token string
	// JTI はトークンの一意なID。
	JTI string
	// ExpiresAt は有効期限。
	ExpiresAt time.Time
}

// GenerateJWT は指定した種類のトークンを生成する。
// usernameはアクセストークンにだけ含める。
func GenerateJWT(secret string, typ TokenType, userID int64, username string, ttl time.Duration) (Issued, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		Type: typ,
	}
	if typ == TokenAccess {
		claims.Username = username
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return Issued{}, fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return Issued{Token: signed, JTI: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// ParseJWT はトークンの署名と有効期限を検証し、種類がwantであることを確認する。
// wantが空の場合は種類を確認しない。
func ParseJWT(secret, tokenString string, want TokenType, opts ...jwt.ParserOption) (*JWTClaims, error) {
	opts = append([]jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}, opts...)
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	if want != "" && claims.Type != want {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// ActiveFunc はトークンがサーバー側で失効していないかを判定する。
type ActiveFunc func(ctx context.Context, claims *JWTClaims) (bool, error)

// AbortFunc は認証失敗時の応答を書き込む。
type AbortFunc func(c *gin.Context, status int, message string)

// JWTAuthConfig はJWTAuthの設定。
type JWTAuthConfig struct {
	// Secret は署名検証用の秘密鍵。
	Secret string
	// IsActive がnilでなければ、jtiによる失効確認を行う。
	IsActive ActiveFunc
	// Abort がnilの場合は {"error": message} のJSONで応答する。
	Abort AbortFunc
}

// コンテキストのキー。
const (
	ctxKeyClaims = "jwt_claims"
)

// JWTAuth はアクセストークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにクレームを設定する。
func JWTAuth(cfg JWTAuthConfig) gin.HandlerFunc {
	abort := cfg.Abort
	if abort == nil {
		abort = func(c *gin.Context, status int, message string) {
			c.AbortWithStatusJSON(status, gin.H{"error": message})
		}
	}

	return func(c *gin.Context) {
		tokenString, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || strings.TrimSpace(tokenString) == "" {
			abort(c, http.StatusUnauthorized, "Authorizationヘッダーが必要です")
			return
		}

		claims, err := ParseJWT(cfg.Secret, strings.TrimSpace(tokenString), TokenAccess)
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			abort(c, http.StatusUnauthorized, "アクセストークンの有効期限が切れています")
			return
		case errors.Is(err, ErrWrongTokenType):
			abort(c, http.StatusUnauthorized, "トークンの種類が不正です")
			return
		case err != nil:
			abort(c, http.StatusUnauthorized, "トークンが無効です")
			return
		}

		if cfg.IsActive != nil {
			active, err := cfg.IsActive(c.Request.Context(), claims)
			if err != nil {
				abort(c, http.StatusInternalServerError, "トークンの状態確認に失敗しました")
				return
			}
			if claims.ID == "" || !active {
				abort(c, http.StatusUnauthorized, "アクセストークンは失効しています")
				return
			}
		}

		c.Set(ctxKeyClaims, claims)
		c.Next()
	}
}

// GetClaims はGinコンテキストからクレームを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetClaims(c *gin.Context) *JWTClaims {
	v, _ := c.Get(ctxKeyClaims)
	claims, _ := v.(*JWTClaims)
	return claims
}

// GetUserID はGinコンテキストからユーザーIDを取得する。取得できない場合は0。
func GetUserID(c *gin.Context) int64 {
	claims := GetClaims(c)
	if claims == nil {
		return 0
	}
	id, err := claims.UserID()
	if err != nil {
		return 0
	}
	return id
}

// GetUsername はGinコンテキストからユーザー名を取得する。
func GetUsername(c *gin.Context) string {
	if claims := GetClaims(c); claims != nil {
		return claims.Username
	}
	return ""
}

package devserver

import (
	"bytes"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/bookshelf/pkg/middleware"
)

// idempotencyKeyHeader は更新系リクエストの冪等キーを運ぶヘッダー。
const idempotencyKeyHeader = "Idempotency-Key"

// maxIdempotencyKeyLen は受け付ける冪等キーの最大長。
const maxIdempotencyKeyLen = 64

// capturingWriter はハンドラーが書いたボディを控えておく。
type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotent は Idempotency-Key 付きの更新系リクエストを1回だけ実行するミドルウェアを返す。
// 成功した応答はユーザーごとにキーと一緒に保存し、同じキーの再送には保存した応答を返す。
// 失敗した応答は保存しないので、同じキーで再試行できる。キーがない場合は毎回実行する。
func (s *Server) idempotent() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(idempotencyKeyHeader))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			writeMessage(c, http.StatusBadRequest, idempotencyKeyHeader+"が長すぎます")
			c.Abort()
			return
		}
		ctx := c.Request.Context()
		userID := middleware.GetUserID(c)

		var (
			status int
			body   []byte
		)
		err := s.db.QueryRowContext(ctx,
			"SELECT status, body FROM idempotency_keys WHERE key = ? AND user_id = ?", key, userID,
		).Scan(&status, &body)
		switch {
		case err == nil:
			s.logger.InfoContext(ctx, "[Books] 保存済みの応答を返します", "idempotency_key", key)
			c.Data(status, xmlContentType, body)
			c.Abort()
			return
		case !errors.Is(err, sql.ErrNoRows):
			s.logger.ErrorContext(ctx, "[Books] 冪等キーの確認に失敗", "error", err)
			writeMessage(c, http.StatusInternalServerError, "内部サーバーエラーが発生しました")
			c.Abort()
			return
		}

		w := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		if code := w.Status(); code >= 200 && code < 300 {
			if _, err := s.db.ExecContext(ctx,
				"INSERT OR IGNORE INTO idempotency_keys (key, user_id, status, body) VALUES (?, ?, ?, ?)",
				key, userID, code, w.body.Bytes(),
			); err != nil {
				s.logger.WarnContext(ctx, "[Books] 冪等キーの保存に失敗", "error", err)
			}
		}
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newCORSRouter(origins []string) *gin.Engine {
	router := gin.New()
	router.Use(CORS(origins))
	router.GET("/api/books", func(c *gin.Context) {
		c.String(http.StatusOK, "<catalog/>")
	})
	return router
}

// TestCORS はCORSミドルウェアを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	t.Run("許可されたオリジンにCORSヘッダーが設定されること", func(t *testing.T) {
		t.Parallel()

		router := newCORSRouter([]string{"http://localhost:8080", "http://127.0.0.1:8080"})
		req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
		req.Header.Set("Origin", "http://127.0.0.1:8080")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://127.0.0.1:8080" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "http://127.0.0.1:8080")
		}
		if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Authorization, Content-Type, Accept, Idempotency-Key" {
			t.Errorf("Access-Control-Allow-Headers = %q, want %q", got, "Authorization, Content-Type, Accept, Idempotency-Key")
		}
		if got := w.Header().Get("Vary"); got != "Origin" {
			t.Errorf("Vary = %q, want %q", got, "Origin")
		}
	})

	t.Run("許可されていないオリジンにはCORSヘッダーが設定されないこと", func(t *testing.T) {
		t.Parallel()

		router := newCORSRouter([]string{"http://localhost:8080"})
		req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
		req.Header.Set("Origin", "https://evil.example")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
		}
	})

	t.Run("ワイルドカード指定で任意のオリジンを許可すること", func(t *testing.T) {
		t.Parallel()

		router := newCORSRouter([]string{"*"})
		req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
		req.Header.Set("Origin", "http://books.local:3000")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://books.local:3000" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "http://books.local:3000")
		}
	})

	t.Run("OPTIONSリクエストに204が返ること", func(t *testing.T) {
		t.Parallel()

		router := newCORSRouter([]string{"http://localhost:8080"})
		req := httptest.NewRequest(http.MethodOptions, "/api/books", nil)
		req.Header.Set("Origin", "http://localhost:8080")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, PUT, DELETE, OPTIONS" {
			t.Errorf("Access-Control-Allow-Methods = %q, want %q", got, "GET, POST, PUT, DELETE, OPTIONS")
		}
	})

	t.Run("Originヘッダーがない場合はCORSヘッダーが設定されないこと", func(t *testing.T) {
		t.Parallel()

		router := newCORSRouter([]string{"*"})
		req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
		}
	})
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestHTTPMetrics はHTTPMetricsミドルウェアを検証する。
func TestHTTPMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	router := gin.New()
	router.Use(HTTPMetrics(reg))
	router.GET("/api/books/isbn/:isbn", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	for _, isbn := range []string{"111", "222"} {
		req := httptest.NewRequest(http.MethodGet, "/api/books/isbn/"+isbn, nil)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	want := `
# HELP bookshelf_devserver_http_requests_total Number of HTTP requests handled, by method, route and status code.
# TYPE bookshelf_devserver_http_requests_total counter
bookshelf_devserver_http_requests_total{code="404",method="GET",route="/api/books/isbn/:isbn"} 2
bookshelf_devserver_http_requests_total{code="404",method="GET",route="unmatched"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "bookshelf_devserver_http_requests_total"); err != nil {
		t.Errorf("メトリクスが一致しない: %v", err)
	}
	if got := testutil.CollectAndCount(reg, "bookshelf_devserver_http_request_duration_seconds"); got != 2 {
		t.Errorf("ヒストグラムの系列数 = %d, want 2", got)
	}
}

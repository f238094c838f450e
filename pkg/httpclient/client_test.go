package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// testRequest はテストサーバーが受け取ったリクエスト情報を保持する構造体。
type testRequest struct {
	// Method はHTTPメソッド。
	Method string
	// Path はリクエストパス。
	Path string
	// Body はリクエストボディ。
	Body []byte
	// Headers はリクエストヘッダー。
	Headers http.Header
}

// testPayload はテスト用のリクエスト/レスポンスペイロード。
type testPayload struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// TestNew はNew関数でクライアントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("末尾のスラッシュが除去されること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:5001/")
		if got := client.BaseURL(); got != "http://localhost:5001" {
			t.Errorf("BaseURL() = %q, want %q", got, "http://localhost:5001")
		}
	})

	t.Run("タイムアウトが既定で30秒に設定されていること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:5001")
		if client.HTTPClient().Timeout != DefaultTimeout {
			t.Errorf("Timeout = %v, want %v", client.HTTPClient().Timeout, DefaultTimeout)
		}
	})

	t.Run("オプションでタイムアウトとHTTPクライアントを変更できること", func(t *testing.T) {
		t.Parallel()

		hc := &http.Client{}
		client := New("http://localhost:5001", WithHTTPClient(hc), WithTimeout(5*time.Second))
		if client.HTTPClient() != hc {
			t.Error("HTTPClient()が差し替えたクライアントを返さない")
		}
		if hc.Timeout != 5*time.Second {
			t.Errorf("Timeout = %v, want 5s", hc.Timeout)
		}
	})
}

// TestPostJSON はPostJSON関数を検証する。
func TestPostJSON(t *testing.T) {
	t.Parallel()

	t.Run("正常にPOSTリクエストを送信してレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		var received testRequest
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received.Method = r.Method
			received.Path = r.URL.Path
			received.Body, _ = io.ReadAll(r.Body)
			received.Headers = r.Header

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(testPayload{Name: "response", Value: 200})
		}))
		defer ts.Close()

		client := New(ts.URL)
		var result testPayload

		err := client.PostJSON(context.Background(), "/auth/login", testPayload{Name: "request", Value: 100}, &result)
		if err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}

		if received.Method != http.MethodPost {
			t.Errorf("Method = %q, want %q", received.Method, http.MethodPost)
		}
		if received.Path != "/auth/login" {
			t.Errorf("Path = %q, want %q", received.Path, "/auth/login")
		}
		var sentBody testPayload
		if err := json.Unmarshal(received.Body, &sentBody); err != nil {
			t.Fatalf("リクエストボディのパースに失敗: %v", err)
		}
		if sentBody != (testPayload{Name: "request", Value: 100}) {
			t.Errorf("sent body = %+v", sentBody)
		}
		if got := received.Headers.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want %q", got, "application/json")
		}
		if got := received.Headers.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want empty", got)
		}
		if result != (testPayload{Name: "response", Value: 200}) {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("2xx以外はStatusErrorとして返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"email or username already exists"}`))
		}))
		defer ts.Close()

		err := New(ts.URL).PostJSON(context.Background(), "/auth/register", testPayload{}, nil)

		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("err = %v, want *StatusError", err)
		}
		if statusErr.StatusCode != http.StatusConflict {
			t.Errorf("StatusCode = %d, want %d", statusErr.StatusCode, http.StatusConflict)
		}
		if got := statusErr.Message(); got != "email or username already exists" {
			t.Errorf("Message() = %q", got)
		}
	})

	t.Run("resultがnilの場合でもエラーにならないこと", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"status":"created"}`))
		}))
		defer ts.Close()

		if err := New(ts.URL).PostJSON(context.Background(), "/x", testPayload{}, nil); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}
	})

	t.Run("キャンセルされたコンテキストでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(testPayload{})
		}))
		defer ts.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := New(ts.URL).PostJSON(ctx, "/x", testPayload{}, nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}

// TestGetJSON はGetJSON関数を検証する。
func TestGetJSON(t *testing.T) {
	t.Parallel()

	t.Run("GETリクエストにボディが含まれずレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		var received testRequest
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received.Method = r.Method
			received.Body, _ = io.ReadAll(r.Body)
			json.NewEncoder(w).Encode(testPayload{Name: "get-response", Value: 42})
		}))
		defer ts.Close()

		var result testPayload
		if err := New(ts.URL).GetJSON(context.Background(), "/health", &result); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if received.Method != http.MethodGet {
			t.Errorf("Method = %q, want GET", received.Method)
		}
		if len(received.Body) != 0 {
			t.Errorf("GETリクエストにボディが含まれている: %q", string(received.Body))
		}
		if result.Value != 42 {
			t.Errorf("result.Value = %d, want 42", result.Value)
		}
	})

	t.Run("不正なJSONレスポンスでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{invalid json}`))
		}))
		defer ts.Close()

		var result testPayload
		err := New(ts.URL).GetJSON(context.Background(), "/x", &result)
		if err == nil {
			t.Fatal("GetJSON()がエラーを返すべきだが、nilが返った")
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			t.Errorf("デコード失敗がStatusErrorになっている: %v", err)
		}
	})

	t.Run("接続できないサーバーに対してErrTransportが返ること", func(t *testing.T) {
		t.Parallel()

		var result testPayload
		err := New("http://127.0.0.1:1").GetJSON(context.Background(), "/x", &result)
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("err = %v, want ErrTransport", err)
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			t.Errorf("通信エラーがStatusErrorになっている: %v", err)
		}
	})

	t.Run("2xx以外のレスポンスはErrTransportにならないこと", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer ts.Close()

		var result testPayload
		err := New(ts.URL).GetJSON(context.Background(), "/x", &result)
		if err == nil || errors.Is(err, ErrTransport) {
			t.Errorf("err = %v, want StatusError", err)
		}
	})
}

// TestWithBearerToken はWithBearerToken関数を検証する。
func TestWithBearerToken(t *testing.T) {
	t.Parallel()

	t.Run("コンテキストのトークンがAuthorizationヘッダーで送信されること", func(t *testing.T) {
		t.Parallel()

		var got string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Get("Authorization")
			w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		ctx := WithBearerToken(context.Background(), "abc.def.ghi")
		if err := New(ts.URL).PostJSON(ctx, "/auth/logout", testPayload{}, nil); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}
		if got != "Bearer abc.def.ghi" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer abc.def.ghi")
		}
	})

	t.Run("空文字列のトークンは送信されないこと", func(t *testing.T) {
		t.Parallel()

		var got string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Get("Authorization")
			w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		ctx := WithBearerToken(context.Background(), "")
		if err := New(ts.URL).GetJSON(ctx, "/x", nil); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if got != "" {
			t.Errorf("Authorization = %q, want empty", got)
		}
	})
}

// TestStatusError_Message はStatusError.Messageを検証する。
func TestStatusError_Message(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "errorフィールド", body: `{"error":"invalid credentials"}`, want: "invalid credentials"},
		{name: "messageフィールド", body: `{"message":"token revoked"}`, want: "token revoked"},
		{name: "両方ある場合はerror優先", body: `{"error":"a","message":"b"}`, want: "a"},
		{name: "JSONでない", body: `<html>oops</html>`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := &StatusError{StatusCode: http.StatusUnauthorized, Body: []byte(tt.body)}
			if got := e.Message(); got != tt.want {
				t.Errorf("Message() = %q, want %q", got, tt.want)
			}
			if e.Error() == "" {
				t.Error("Error()が空文字列")
			}
		})
	}
}

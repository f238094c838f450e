package books

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nao1215/bookshelf/internal/authgw"
)

var (
	// ErrEmptyInput は検索条件やISBNが空の場合に返る。
	ErrEmptyInput = errors.New("入力が空です")
	// ErrEmptyUpdate は更新するフィールドがない場合に返る。
	ErrEmptyUpdate = errors.New("更新するフィールドがありません")
)

// IdempotencyKeyHeader は更新系リクエストの重複実行を防ぐためのヘッダー名。
const IdempotencyKeyHeader = "Idempotency-Key"

// APIError は書籍APIが2xx以外を返した場合のエラー。
type APIError struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Message はレスポンスから取り出したメッセージ。
	Message string
}

// Error はエラーメッセージを返す。
func (e *APIError) Error() string {
	return fmt.Sprintf("書籍APIエラー: status=%d, message=%s", e.StatusCode, e.Message)
}

// Requester は認証付きリクエストを送信する。*authgw.Gateway が満たす。
type Requester interface {
	Do(ctx context.Context, path string, opts authgw.RequestOptions) (*http.Response, error)
}

// Client は書籍カタログAPIのクライアント。
type Client struct {
	req Requester

	mu      sync.Mutex
	lastXML []byte
}

// New はクライアントを生成する。
func New(req Requester) *Client {
	return &Client{req: req}
}

// LastXML は直前に受信したレスポンスの生XMLを返す。
func (c *Client) LastXML() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.lastXML)
}

// All は全書籍をタイトル順に取得する。
func (c *Client) All(ctx context.Context) ([]Book, error) {
	return c.list(ctx, "/api/books")
}

// ByISBN はISBNで書籍を1冊取得する。
func (c *Client) ByISBN(ctx context.Context, isbn string) (*Book, error) {
	isbn = strings.TrimSpace(isbn)
	if isbn == "" {
		return nil, fmt.Errorf("%w: isbn", ErrEmptyInput)
	}
	found, err := c.list(ctx, "/api/books/isbn/"+url.PathEscape(isbn))
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &APIError{StatusCode: http.StatusNotFound, Message: "ISBN " + isbn + " の書籍が見つかりません"}
	}
	return &found[0], nil
}

// ByAuthor は著者名で書籍を検索する。
func (c *Client) ByAuthor(ctx context.Context, author string) ([]Book, error) {
	author = strings.TrimSpace(author)
	if author == "" {
		return nil, fmt.Errorf("%w: author", ErrEmptyInput)
	}
	return c.list(ctx, "/api/books/author/"+url.PathEscape(author))
}

// ByFormat は形式で書籍を検索する。
func (c *Client) ByFormat(ctx context.Context, format string) ([]Book, error) {
	format = strings.TrimSpace(format)
	if format == "" {
		return nil, fmt.Errorf("%w: format", ErrEmptyInput)
	}
	return c.list(ctx, "/api/books/format/"+url.PathEscape(format))
}

// Insert は書籍を登録する。
func (c *Client) Insert(ctx context.Context, b NewBook) (*Message, error) {
	required := []struct{ name, value string }{
		{"isbn", b.ISBN},
		{"titulo", b.Title},
		{"autor", b.Author},
		{"genero", b.Genre},
		{"formato", b.Format},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return nil, fmt.Errorf("%w: %s", ErrEmptyInput, f.name)
		}
	}
	return c.send(ctx, http.MethodPost, "/api/books/insert", b)
}

// Update は書籍の一部のフィールドを更新する。
func (c *Client) Update(ctx context.Context, isbn string, u Update) (*Message, error) {
	isbn = strings.TrimSpace(isbn)
	if isbn == "" {
		return nil, fmt.Errorf("%w: isbn", ErrEmptyInput)
	}
	if u.IsEmpty() {
		return nil, ErrEmptyUpdate
	}
	return c.send(ctx, http.MethodPut, "/api/books/update/"+url.PathEscape(isbn), u)
}

// Delete はISBNの一覧で書籍を削除する。
func (c *Client) Delete(ctx context.Context, isbns []string) (*Message, error) {
	var cleaned []string
	for _, isbn := range isbns {
		if isbn = strings.TrimSpace(isbn); isbn != "" {
			cleaned = append(cleaned, isbn)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("%w: isbns", ErrEmptyInput)
	}
	return c.send(ctx, http.MethodDelete, "/api/books/delete", map[string][]string{"isbns": cleaned})
}

// list はカタログを返すエンドポイントを呼び出す。
func (c *Client) list(ctx context.Context, path string) ([]Book, error) {
	body, err := c.do(ctx, path, authgw.RequestOptions{Method: http.MethodGet})
	if err != nil {
		return nil, err
	}
	var catalog Catalog
	if err := xml.Unmarshal(body, &catalog); err != nil {
		return nil, fmt.Errorf("カタログXMLのパースに失敗: %w", err)
	}
	return catalog.Books, nil
}

// send はJSONボディを送ってメッセージ応答を受け取る。
// 更新系のリクエストには毎回新しい Idempotency-Key を付ける。
// リフレッシュ後の再送では同じキーが送られる。
func (c *Client) send(ctx context.Context, method, path string, payload any) (*Message, error) {
	opts, err := authgw.JSONRequest(method, payload)
	if err != nil {
		return nil, err
	}
	opts.Header.Set(IdempotencyKeyHeader, uuid.NewString())
	body, err := c.do(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := xml.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("応答XMLのパースに失敗: %w", err)
	}
	return &msg, nil
}

// do はリクエストを送信してボディを読み、生XMLを保存する。
func (c *Client) do(ctx context.Context, path string, opts authgw.RequestOptions) ([]byte, error) {
	if opts.Header == nil {
		opts.Header = http.Header{}
	}
	opts.Header.Set("Accept", "application/xml")

	resp, err := c.req.Do(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み込みに失敗: %w", err)
	}
	c.mu.Lock()
	c.lastXML = body
	c.mu.Unlock()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

// errorMessage はエラー応答のボディからメッセージを取り出す。
// <response><message/></response>、<error/>、{"error": ...} の順に試す。
func errorMessage(body []byte) string {
	var msg Message
	if err := xml.Unmarshal(body, &msg); err == nil && msg.Message != "" {
		return msg.Message
	}
	var plain struct {
		XMLName xml.Name `xml:"error"`
		Text    string   `xml:",chardata"`
	}
	if err := xml.Unmarshal(body, &plain); err == nil && plain.Text != "" {
		return plain.Text
	}
	var j struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &j); err == nil && j.Error != "" {
		return j.Error
	}
	return strings.TrimSpace(string(body))
}

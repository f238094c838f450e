// Package account は認証付きのサンプルAPI（プロフィール・アイテム）のクライアント。
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nao1215/bookshelf/internal/authgw"
	"github.com/nao1215/bookshelf/pkg/httpclient"
)

// ErrEmptyTitle はアイテムのタイトルが空の場合に返る。
var ErrEmptyTitle = errors.New("タイトルは必須です")

// Requester は認証付きリクエストを送信する。*authgw.Gateway が満たす。
type Requester interface {
	Do(ctx context.Context, path string, opts authgw.RequestOptions) (*http.Response, error)
}

// Profile はログイン中のユーザーのプロフィール。
type Profile struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Item はユーザーが作成したアイテム。
type Item struct {
	ID        int64   `json:"id"`
	Title     string  `json:"title"`
	Notes     *string `json:"notes"`
	CreatedAt string  `json:"created_at"`
}

// NewItem はアイテム作成のリクエスト。
type NewItem struct {
	Title string  `json:"title"`
	Notes *string `json:"notes,omitempty"`
}

// Client はプロフィール・アイテムAPIのクライアント。
type Client struct {
	req Requester
}

// New はクライアントを生成する。
func New(req Requester) *Client {
	return &Client{req: req}
}

// Profile はログイン中のユーザーのプロフィールを取得する。
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var out struct {
		User Profile `json:"user"`
	}
	if err := c.do(ctx, "/api/profile", authgw.RequestOptions{}, &out); err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗: %w", err)
	}
	return &out.User, nil
}

// Items はログイン中のユーザーのアイテムを新しい順に取得する。
func (c *Client) Items(ctx context.Context) ([]Item, error) {
	var out struct {
		Items []Item `json:"items"`
	}
	if err := c.do(ctx, "/api/items", authgw.RequestOptions{}, &out); err != nil {
		return nil, fmt.Errorf("アイテムの取得に失敗: %w", err)
	}
	return out.Items, nil
}

// CreateItem はアイテムを作成し、採番されたIDを返す。
func (c *Client) CreateItem(ctx context.Context, item NewItem) (int64, error) {
	item.Title = strings.TrimSpace(item.Title)
	if item.Title == "" {
		return 0, ErrEmptyTitle
	}
	opts, err := authgw.JSONRequest(http.MethodPost, item)
	if err != nil {
		return 0, err
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, "/api/items", opts, &out); err != nil {
		return 0, fmt.Errorf("アイテムの作成に失敗: %w", err)
	}
	return out.ID, nil
}

// do はリクエストを送信し、2xxのJSONレスポンスをoutにデコードする。
// 2xx以外は *httpclient.StatusError として返す。
func (c *Client) do(ctx context.Context, path string, opts authgw.RequestOptions, out any) error {
	if opts.Header == nil {
		opts.Header = http.Header{}
	}
	opts.Header.Set("Accept", "application/json")

	resp, err := c.req.Do(ctx, path, opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &httpclient.StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
	}
	return nil
}

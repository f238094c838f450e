package authgw

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nao1215/bookshelf/internal/authclient"
	"github.com/nao1215/bookshelf/internal/session"
	"github.com/nao1215/bookshelf/pkg/token"
)

// fakeAuth はテスト用の認証サービス。
type fakeAuth struct {
	authResp  *authclient.AuthResponse
	authErr   error
	logoutErr error
	// loggedOut はLogoutに渡されたトークン。
	loggedOut [2]string
}

func (f *fakeAuth) Register(_ context.Context, _ authclient.RegisterRequest) (*authclient.AuthResponse, error) {
	return f.authResp, f.authErr
}

func (f *fakeAuth) Login(_ context.Context, _, _ string) (*authclient.AuthResponse, error) {
	return f.authResp, f.authErr
}

func (f *fakeAuth) Refresh(_ context.Context, _ string) (*authclient.RefreshResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAuth) Logout(_ context.Context, access, refresh string) (*authclient.MessageResponse, error) {
	f.loggedOut = [2]string{access, refresh}
	if f.logoutErr != nil {
		return nil, f.logoutErr
	}
	return &authclient.MessageResponse{Message: "ok"}, nil
}

// TestGateway_Login はLoginとRegisterによるセッションの置き換えを検証する。
func TestGateway_Login(t *testing.T) {
	t.Parallel()

	t.Run("ログイン成功でセッション全体が置き換わること", func(t *testing.T) {
		t.Parallel()

		exp := time.Now().Add(15 * time.Minute).Truncate(time.Second)
		acc := accessToken(t, "alice", exp)
		auth := &fakeAuth{authResp: &authclient.AuthResponse{
			User:   authclient.User{ID: 1, Username: "alice"},
			Tokens: authclient.Tokens{AccessToken: acc, RefreshToken: "R-new"},
		}}
		sess := restore(t, session.Snapshot{AccessToken: "old", AccessExpiry: time.Now(), RefreshToken: "R-old"})
		g, _ := New("http://localhost:5001", nil, auth, sess)

		if _, err := g.Login(context.Background(), "alice", "pw"); err != nil {
			t.Fatalf("Login()でエラーが発生: %v", err)
		}
		got := sess.Snapshot()
		if got.AccessToken != acc || got.RefreshToken != "R-new" || !got.AccessExpiry.Equal(exp) {
			t.Errorf("Snapshot() = %+v", got)
		}
	})

	t.Run("アクセストークンが不正な場合はセッションを変更しないこと", func(t *testing.T) {
		t.Parallel()

		auth := &fakeAuth{authResp: &authclient.AuthResponse{
			Tokens: authclient.Tokens{AccessToken: "broken", RefreshToken: "R-new"},
		}}
		before := session.Snapshot{AccessToken: "old", AccessExpiry: time.Unix(100, 0), RefreshToken: "R-old"}
		sess := restore(t, before)
		g, _ := New("http://localhost:5001", nil, auth, sess)

		_, err := g.Register(context.Background(), authclient.RegisterRequest{})
		if !errors.Is(err, token.ErrMalformedToken) {
			t.Fatalf("err = %v, want ErrMalformedToken", err)
		}
		if got := sess.Snapshot(); got != before {
			t.Errorf("Snapshot() = %+v, want %+v", got, before)
		}
	})

	t.Run("認証サービスのエラーはそのまま返ること", func(t *testing.T) {
		t.Parallel()

		wantErr := errors.New("invalid credentials")
		g, _ := New("http://localhost:5001", nil, &fakeAuth{authErr: wantErr}, nil)

		if _, err := g.Login(context.Background(), "alice", "bad"); !errors.Is(err, wantErr) {
			t.Fatalf("err = %v, want %v", err, wantErr)
		}
	})
}

// TestGateway_Logout はLogoutを検証する。
func TestGateway_Logout(t *testing.T) {
	t.Parallel()

	t.Run("両方のトークンを送ってセッションを消去すること", func(t *testing.T) {
		t.Parallel()

		auth := &fakeAuth{}
		sess := restore(t, session.Snapshot{AccessToken: "A", AccessExpiry: time.Now(), RefreshToken: "R"})
		g, _ := New("http://localhost:5001", nil, auth, sess)

		if _, err := g.Logout(context.Background()); err != nil {
			t.Fatalf("Logout()でエラーが発生: %v", err)
		}
		if auth.loggedOut != [2]string{"A", "R"} {
			t.Errorf("loggedOut = %v", auth.loggedOut)
		}
		if got := sess.Snapshot(); got != (session.Snapshot{}) {
			t.Errorf("Snapshot() = %+v, want empty", got)
		}
	})

	t.Run("サーバーへの要求が失敗してもセッションを消去すること", func(t *testing.T) {
		t.Parallel()

		wantErr := errors.New("connection refused")
		sess := restore(t, session.Snapshot{AccessToken: "A", AccessExpiry: time.Now(), RefreshToken: "R"})
		g, _ := New("http://localhost:5001", nil, &fakeAuth{logoutErr: wantErr}, sess)

		if _, err := g.Logout(context.Background()); !errors.Is(err, wantErr) {
			t.Fatalf("err = %v, want %v", err, wantErr)
		}
		if got := sess.Snapshot(); got != (session.Snapshot{}) {
			t.Errorf("Snapshot() = %+v, want empty", got)
		}
	})
}

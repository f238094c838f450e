package session

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// TestSession_Establish はEstablishを検証する。
func TestSession_Establish(t *testing.T) {
	t.Parallel()

	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("セッション全体が置き換わること", func(t *testing.T) {
		t.Parallel()

		s := New()
		if err := s.Establish("a1", exp, "r1"); err != nil {
			t.Fatalf("Establish()でエラーが発生: %v", err)
		}
		if err := s.Establish("a2", exp.Add(time.Hour), "r2"); err != nil {
			t.Fatalf("Establish()でエラーが発生: %v", err)
		}
		want := Snapshot{AccessToken: "a2", AccessExpiry: exp.Add(time.Hour), RefreshToken: "r2"}
		if got := s.Snapshot(); got != want {
			t.Errorf("Snapshot() = %+v, want %+v", got, want)
		}
	})

	t.Run("アクセストークンまたは有効期限が欠けている場合は拒否されること", func(t *testing.T) {
		t.Parallel()

		s := New()
		if err := s.Establish("", exp, "r"); !errors.Is(err, ErrEmptyAccessToken) {
			t.Errorf("err = %v, want ErrEmptyAccessToken", err)
		}
		if err := s.Establish("a", time.Time{}, "r"); !errors.Is(err, ErrMissingExpiry) {
			t.Errorf("err = %v, want ErrMissingExpiry", err)
		}
		if got := s.Snapshot(); got != (Snapshot{}) {
			t.Errorf("Snapshot() = %+v, want empty", got)
		}
	})
}

// TestSession_UpdateAccess はUpdateAccessを検証する。
func TestSession_UpdateAccess(t *testing.T) {
	t.Parallel()

	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("アクセストークンだけが更新されリフレッシュトークンは維持されること", func(t *testing.T) {
		t.Parallel()

		s := New()
		_ = s.Establish("old", exp, "r1")
		if err := s.UpdateAccess("r1", "new", exp.Add(time.Hour)); err != nil {
			t.Fatalf("UpdateAccess()でエラーが発生: %v", err)
		}
		want := Snapshot{AccessToken: "new", AccessExpiry: exp.Add(time.Hour), RefreshToken: "r1"}
		if got := s.Snapshot(); got != want {
			t.Errorf("Snapshot() = %+v, want %+v", got, want)
		}
	})

	t.Run("途中でセッションが消去された場合は更新しないこと", func(t *testing.T) {
		t.Parallel()

		s := New()
		_ = s.Establish("old", exp, "r1")
		s.Clear()
		if err := s.UpdateAccess("r1", "new", exp); !errors.Is(err, ErrSessionReplaced) {
			t.Fatalf("err = %v, want ErrSessionReplaced", err)
		}
		if got := s.Snapshot(); got != (Snapshot{}) {
			t.Errorf("Snapshot() = %+v, want empty", got)
		}
	})

	t.Run("途中で別のログインに置き換えられた場合は更新しないこと", func(t *testing.T) {
		t.Parallel()

		s := New()
		_ = s.Establish("old", exp, "r1")
		_ = s.Establish("other", exp, "r2")
		if err := s.UpdateAccess("r1", "new", exp); !errors.Is(err, ErrSessionReplaced) {
			t.Fatalf("err = %v, want ErrSessionReplaced", err)
		}
		if got := s.AccessToken(); got != "other" {
			t.Errorf("AccessToken() = %q, want %q", got, "other")
		}
	})
}

// TestSession_ClearIf はClearIfを検証する。
func TestSession_ClearIf(t *testing.T) {
	t.Parallel()

	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	s := New()
	_ = s.Establish("a", exp, "r1")

	if s.ClearIf("other") {
		t.Error("一致しないリフレッシュトークンで消去された")
	}
	if s.AccessToken() != "a" {
		t.Error("セッションが変更された")
	}
	if !s.ClearIf("r1") {
		t.Error("一致するリフレッシュトークンで消去されなかった")
	}
	if got := s.Snapshot(); got != (Snapshot{}) {
		t.Errorf("Snapshot() = %+v, want empty", got)
	}
}

// TestSession_Authenticated はAuthenticatedを検証する。
func TestSession_Authenticated(t *testing.T) {
	t.Parallel()

	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		snap Snapshot
		want bool
	}{
		{name: "空のセッション", snap: Snapshot{}, want: false},
		{name: "有効期限内", snap: Snapshot{AccessToken: "a", AccessExpiry: now.Add(time.Minute)}, want: true},
		{name: "有効期限切れ", snap: Snapshot{AccessToken: "a", AccessExpiry: now.Add(-time.Second)}, want: false},
		{name: "有効期限ちょうど", snap: Snapshot{AccessToken: "a", AccessExpiry: now}, want: false},
		{name: "リフレッシュトークンのみ", snap: Snapshot{RefreshToken: "r"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := New()
			if err := s.Restore(tt.snap); err != nil {
				t.Fatalf("Restore()でエラーが発生: %v", err)
			}
			if got := s.Authenticated(now); got != tt.want {
				t.Errorf("Authenticated() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestSession_Restore はRestoreを検証する。
func TestSession_Restore(t *testing.T) {
	t.Parallel()

	s := New()
	if err := s.Restore(Snapshot{AccessToken: "a"}); !errors.Is(err, ErrMissingExpiry) {
		t.Fatalf("err = %v, want ErrMissingExpiry", err)
	}
	if err := s.Restore(Snapshot{AccessExpiry: time.Now(), RefreshToken: "r"}); err != nil {
		t.Fatalf("Restore()でエラーが発生: %v", err)
	}
	if got := s.Snapshot(); !got.AccessExpiry.IsZero() || got.RefreshToken != "r" {
		t.Errorf("Snapshot() = %+v, アクセストークンなしの有効期限が残っている", got)
	}
}

// TestSession_Observer はオブザーバーへの通知を検証する。
func TestSession_Observer(t *testing.T) {
	t.Parallel()

	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	var notified []Snapshot
	s := New()
	s.SetObserver(func(snap Snapshot) {
		// ロック外で呼ばれるため、ここからセッションを読んでもデッドロックしない
		_ = s.AccessToken()
		notified = append(notified, snap)
	})

	_ = s.Establish("a", exp, "r")
	_ = s.UpdateAccess("r", "b", exp)
	s.Clear()
	s.Clear() // 変化なし

	if len(notified) != 3 {
		t.Fatalf("通知回数 = %d, want 3", len(notified))
	}
	if notified[1].AccessToken != "b" || notified[1].RefreshToken != "r" {
		t.Errorf("2回目の通知 = %+v", notified[1])
	}
	if notified[2] != (Snapshot{}) {
		t.Errorf("3回目の通知 = %+v, want empty", notified[2])
	}
}

// TestSession_Concurrent は並行アクセスで競合しないことを検証する（-raceで意味を持つ）。
func TestSession_Concurrent(t *testing.T) {
	t.Parallel()

	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New()
	_ = s.Establish("a", exp, "r")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.UpdateAccess("r", "b", exp)
		}()
		go func() {
			defer wg.Done()
			_ = s.Authenticated(exp.Add(-time.Hour))
		}()
	}
	wg.Wait()

	if got := s.RefreshToken(); got != "r" {
		t.Errorf("RefreshToken() = %q, want %q", got, "r")
	}
}

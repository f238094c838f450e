// Package session は認証済みリクエストで使うトークンの組（セッション）を保持する。
//
// アクセストークンとその有効期限は常に一緒に設定・消去される。
// リフレッシュトークンだけが残る状態はリフレッシュ処理中の一時的な状態に限られる。
package session

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrEmptyAccessToken はアクセストークンが空の場合に返る。
	ErrEmptyAccessToken = errors.New("アクセストークンが空です")
	// ErrMissingExpiry はアクセストークンの有効期限が指定されていない場合に返る。
	ErrMissingExpiry = errors.New("アクセストークンの有効期限がありません")
	// ErrSessionReplaced はリフレッシュ中にセッションがログアウトや再ログインで置き換えられた場合に返る。
	ErrSessionReplaced = errors.New("リフレッシュ中にセッションが置き換えられました")
)

// Snapshot はある時点のセッション内容のコピー。
type Snapshot struct {
	// AccessToken は現在のアクセストークン。未設定なら空文字列。
	AccessToken string
	// AccessExpiry はアクセストークンの有効期限。未設定ならゼロ値。
	AccessExpiry time.Time
	// RefreshToken は現在のリフレッシュトークン。未設定なら空文字列。
	RefreshToken string
}

// HasAccess はアクセストークンを保持しているかを返す。
func (s Snapshot) HasAccess() bool {
	return s.AccessToken != ""
}

// Session は認証トークンの組を保持する。複数のgoroutineから安全に使用できる。
type Session struct {
	mu       sync.RWMutex
	state    Snapshot
	observer func(Snapshot)
}

// New は空のセッションを生成する。
func New() *Session {
	return &Session{}
}

// SetObserver は状態が変わるたびに呼ばれる関数を設定する。
// 関数はロックの外で呼ばれる。nilを渡すと解除する。
func (s *Session) SetObserver(fn func(Snapshot)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// Establish はセッション全体を置き換える。登録・ログイン成功時に使う。
func (s *Session) Establish(accessToken string, accessExpiry time.Time, refreshToken string) error {
	if accessToken == "" {
		return ErrEmptyAccessToken
	}
	if accessExpiry.IsZero() {
		return ErrMissingExpiry
	}
	s.update(func(st *Snapshot) bool {
		*st = Snapshot{AccessToken: accessToken, AccessExpiry: accessExpiry, RefreshToken: refreshToken}
		return true
	})
	return nil
}

// UpdateAccess はアクセストークンと有効期限だけを更新する。リフレッシュ成功時に使う。
// usedRefresh はリフレッシュに使ったトークンで、その間にセッションが
// 消去・置き換えされていた場合は更新せず ErrSessionReplaced を返す。
func (s *Session) UpdateAccess(usedRefresh, accessToken string, accessExpiry time.Time) error {
	if accessToken == "" {
		return ErrEmptyAccessToken
	}
	if accessExpiry.IsZero() {
		return ErrMissingExpiry
	}
	var replaced bool
	s.update(func(st *Snapshot) bool {
		if st.RefreshToken == "" || st.RefreshToken != usedRefresh {
			replaced = true
			return false
		}
		st.AccessToken = accessToken
		st.AccessExpiry = accessExpiry
		return true
	})
	if replaced {
		return ErrSessionReplaced
	}
	return nil
}

// Clear はセッション全体を消去する。
func (s *Session) Clear() {
	s.update(func(st *Snapshot) bool {
		if *st == (Snapshot{}) {
			return false
		}
		*st = Snapshot{}
		return true
	})
}

// ClearIf はリフレッシュトークンがrefreshTokenと一致する場合だけセッションを消去する。
// 消去した場合はtrueを返す。
func (s *Session) ClearIf(refreshToken string) bool {
	var cleared bool
	s.update(func(st *Snapshot) bool {
		if st.RefreshToken != refreshToken {
			return false
		}
		*st = Snapshot{}
		cleared = true
		return true
	})
	return cleared
}

// Restore は永続化されていた内容でセッションを復元する。
// アクセストークンは有効期限と揃っている必要がある。リフレッシュトークンだけの復元も許す。
func (s *Session) Restore(snap Snapshot) error {
	if snap.AccessToken != "" && snap.AccessExpiry.IsZero() {
		return ErrMissingExpiry
	}
	if snap.AccessToken == "" {
		snap.AccessExpiry = time.Time{}
	}
	s.update(func(st *Snapshot) bool {
		*st = snap
		return true
	})
	return nil
}

// Snapshot は現在の内容のコピーを返す。
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// AccessToken は現在のアクセストークンを返す。
func (s *Session) AccessToken() string {
	return s.Snapshot().AccessToken
}

// RefreshToken は現在のリフレッシュトークンを返す。
func (s *Session) RefreshToken() string {
	return s.Snapshot().RefreshToken
}

// Authenticated はアクセストークンを保持し、かつnow時点で有効期限内かを返す。
func (s *Session) Authenticated(now time.Time) bool {
	snap := s.Snapshot()
	return snap.HasAccess() && now.Before(snap.AccessExpiry)
}

// update はロック内でfnを実行し、変更があればロック外でオブザーバーに通知する。
func (s *Session) update(fn func(*Snapshot) bool) {
	s.mu.Lock()
	changed := fn(&s.state)
	snap := s.state
	observer := s.observer
	s.mu.Unlock()

	if changed && observer != nil {
		observer(snap)
	}
}

package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformedToken はトークンが3セグメント構造でない、またはペイロードが不正な場合に返る。
	ErrMalformedToken = errors.New("トークンの形式が不正です")
	// ErrMissingExpiry はペイロードにexpクレームが含まれていない場合に返る。
	ErrMissingExpiry = errors.New("トークンにexpクレームがありません")
)

// segmentCount はJWTのドット区切りセグメント数（ヘッダー・ペイロード・署名）。
const segmentCount = 3

// parser はセグメントのbase64urlデコードにのみ使用する。
// パディング付きのセグメントも受け付ける。
var parser = jwt.NewParser(jwt.WithPaddingAllowed())

// Claims はデコードしたトークンのペイロード（クレーム名と値の対応）。
type Claims jwt.MapClaims

// Decode はトークン文字列のペイロードセグメントをデコードしてクレームを返す。
// 署名は検証しない。3セグメントでない場合やペイロードがbase64url/JSONとして
// 不正な場合はErrMalformedTokenを返す。
func Decode(tokenString string) (Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != segmentCount {
		return nil, fmt.Errorf("%w: セグメント数が%dです", ErrMalformedToken, len(parts))
	}

	payload, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: ペイロードのbase64urlデコードに失敗: %v", ErrMalformedToken, err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: ペイロードのJSONパースに失敗: %v", ErrMalformedToken, err)
	}
	if claims == nil {
		return nil, fmt.Errorf("%w: ペイロードがオブジェクトではありません", ErrMalformedToken)
	}
	return claims, nil
}

// ExpiresAt はトークンをデコードしてexpクレームの時刻を返す。
func ExpiresAt(tokenString string) (time.Time, error) {
	claims, err := Decode(tokenString)
	if err != nil {
		return time.Time{}, err
	}
	return claims.ExpiresAt()
}

// ExpiresAt はexpクレーム（エポック秒）を時刻として返す。
func (c Claims) ExpiresAt() (time.Time, error) {
	exp, err := jwt.MapClaims(c).GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: expクレームの型が不正: %v", ErrMalformedToken, err)
	}
	if exp == nil {
		return time.Time{}, ErrMissingExpiry
	}
	return exp.Time, nil
}

// Subject はsubクレームを返す。存在しない場合は空文字列。
func (c Claims) Subject() string {
	sub, err := jwt.MapClaims(c).GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// Username はusernameクレームを返す。存在しない場合はsubクレームで代替する。
func (c Claims) Username() string {
	if name, ok := c["username"].(string); ok && name != "" {
		return name
	}
	return c.Subject()
}

// Type はtypeクレーム（"access" / "refresh"）を返す。
func (c Claims) Type() string {
	typ, _ := c["type"].(string)
	return typ
}

// Package middleware は開発用サーバーで使うGinミドルウェアとトークン発行処理を提供する。
//
// アクセストークン・リフレッシュトークンの発行と検証、Bearer認証、
// パニックリカバリ、CORS設定、Prometheusのリクエストメトリクスを含む。
package middleware

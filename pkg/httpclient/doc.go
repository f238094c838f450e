// Package httpclient は認証サービスとのJSON通信を行うクライアントを提供する。
//
// 認証サービスの /auth/* エンドポイントはすべてJSONを受け取りJSONを返すため、
// シリアライズ・ステータスコード判定・エラーメッセージの取り出しをここに集約する。
// 2xx以外のレスポンスは *StatusError として返す。
package httpclient

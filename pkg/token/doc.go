// Package token はJWT形式のトークンを署名検証なしでデコードする機能を提供する。
//
// クライアント側でアクセストークンの有効期限やユーザー名を把握するために使用する。
// 署名の検証は発行元の認証サービスの責務であり、このパッケージでは行わない。
package token

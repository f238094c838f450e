// Package authgw は認証付きHTTPリクエストのゲートウェイを提供する。
//
// Gateway はセッションが保持するアクセストークンをAuthorizationヘッダーに付与してリクエストを送り、
// 401が返った場合はリフレッシュトークンでアクセストークンを再発行して1回だけ再送する。
//
//	クライアント → Gateway.Do → 上流API
//	                   │ 401
//	                   ▼
//	               /auth/refresh → セッション更新 → 再送（1回のみ）
//
// 認証サービスがリフレッシュを拒否した場合はセッションを消去し ErrRefreshFailed を返す。
// 認証サービスに接続できなかった場合は ErrTransport を返し、セッションは残す。
// 1回の呼び出しで行うリフレッシュと再送はそれぞれ最大1回で、ループすることはない。
package authgw

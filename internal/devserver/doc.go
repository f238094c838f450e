// Package devserver は開発・結合テスト用の認証サービスと書籍APIを提供する。
//
// 1つのGinルーターで次のエンドポイントを提供する。
//
//	POST   /auth/register            ユーザー登録とトークン発行
//	POST   /auth/login               ログインとトークン発行
//	POST   /auth/refresh             アクセストークンの再発行
//	POST   /auth/logout              トークンの失効（Bearer必須）
//	POST   /auth/introspect          トークンの照会
//	GET    /api/profile              プロフィール（Bearer必須）
//	GET    /api/items                アイテム一覧（Bearer必須）
//	POST   /api/items                アイテム作成（Bearer必須）
//	GET    /api/books[/...]          書籍カタログ（XML, Bearer必須）
//	GET    /libros.xsl               カタログ表示用のXSLスタイルシート
//	GET    /health                   ヘルスチェック
//	GET    /metrics                  Prometheusメトリクス
//
// 発行したトークンのjtiは TokenRegistry で管理する。既定はSQLite、
// REDIS_URLを設定した場合はRedisを使う。
package devserver

package devserver

import (
	"context"
	"database/sql"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/bookshelf/internal/books"
)

// xmlContentType は書籍APIの応答のContent-Type。
const xmlContentType = "application/xml; charset=utf-8"

// bookSelect は書籍1冊を1行で取り出すクエリ。著者は登録順に ", " で連結する。
const bookSelect = `
	SELECT b.isbn, b.title, b.year, b.price, b.stock, g.name, f.name,
		COALESCE((
			SELECT group_concat(name, ', ') FROM (
				SELECT a.name FROM book_authors ba JOIN authors a ON a.id = ba.author_id
				WHERE ba.book_id = b.id ORDER BY ba.position, a.name
			)
		), '')
	FROM books b
	JOIN genres g ON g.id = b.genre_id
	JOIN formats f ON f.id = b.format_id
`

// requiredBookFields は登録時に必須の項目。
var requiredBookFields = []string{"isbn", "titulo", "anio_publicacion", "precio", "stock", "genero", "formato", "autor"}

// insertRequest は書籍登録のリクエスト。未指定の項目を判別するためポインタで受ける。
type insertRequest struct {
	ISBN   *string  `json:"isbn"`
	Title  *string  `json:"titulo"`
	Year   *int     `json:"anio_publicacion"`
	Price  *float64 `json:"precio"`
	Stock  *int     `json:"stock"`
	Genre  *string  `json:"genero"`
	Format *string  `json:"formato"`
	Author *string  `json:"autor"`
}

// complete は必須項目がすべて揃っているかを返す。
func (r insertRequest) complete() bool {
	for _, p := range []*string{r.ISBN, r.Title, r.Genre, r.Format, r.Author} {
		if p == nil || strings.TrimSpace(*p) == "" {
			return false
		}
	}
	return r.Year != nil && r.Price != nil && r.Stock != nil
}

// xmlError は認証エラーのXML表現。
type xmlError struct {
	XMLName xml.Name `xml:"error"`
	Message string   `xml:",chardata"`
}

// abortXML は認証エラーを <error>...</error> で返す。
func abortXML(c *gin.Context, status int, message string) {
	body, err := xml.Marshal(xmlError{Message: message})
	if err != nil {
		c.AbortWithStatus(status)
		return
	}
	c.Data(status, xmlContentType, body)
	c.Abort()
}

// writeCatalog は書籍一覧をスタイルシート指定付きのXMLで返す。
func writeCatalog(c *gin.Context, list []books.Book) {
	body, err := xml.MarshalIndent(books.Catalog{Books: list}, "", "  ")
	if err != nil {
		writeMessage(c, http.StatusInternalServerError, "XMLの生成に失敗しました")
		return
	}
	c.Data(http.StatusOK, xmlContentType, append([]byte(books.XMLHeader), body...))
}

// writeMessage は <response><message/><status/></response> を返す。
func writeMessage(c *gin.Context, status int, message string) {
	body, err := xml.MarshalIndent(books.Message{Message: message, Status: status}, "", "  ")
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, xmlContentType, append([]byte(xml.Header), body...))
}

// queryBooks はbookSelectに条件を付けて書籍を取得する。
func (s *Server) queryBooks(ctx context.Context, where string, args ...any) ([]books.Book, error) {
	query := bookSelect
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY b.title"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("書籍の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []books.Book
	for rows.Next() {
		var b books.Book
		if err := rows.Scan(&b.ISBN, &b.Title, &b.Year, &b.Price, &b.Stock, &b.Genre, &b.Format, &b.Author); err != nil {
			return nil, fmt.Errorf("書籍の読み込みに失敗: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// bookError は500を返し、原因をログに記録する。
func (s *Server) bookError(c *gin.Context, msg string, err error) {
	s.logger.ErrorContext(c.Request.Context(), msg, "path", c.FullPath(), "error", err)
	writeMessage(c, http.StatusInternalServerError, msg)
}

// handleAllBooks はすべての書籍をタイトル順に返すハンドラを返す。
func (s *Server) handleAllBooks() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := s.queryBooks(c.Request.Context(), "")
		if err != nil {
			s.bookError(c, "書籍の取得に失敗しました", err)
			return
		}
		writeCatalog(c, list)
	}
}

// handleBookByISBN はISBNで1冊を返すハンドラを返す。
func (s *Server) handleBookByISBN() gin.HandlerFunc {
	return func(c *gin.Context) {
		isbn := c.Param("isbn")
		list, err := s.queryBooks(c.Request.Context(), "b.isbn = ?", isbn)
		if err != nil {
			s.bookError(c, "書籍の取得に失敗しました", err)
			return
		}
		if len(list) == 0 {
			writeMessage(c, http.StatusNotFound, fmt.Sprintf("ISBN %s の書籍が見つかりません", isbn))
			return
		}
		writeCatalog(c, list)
	}
}

// handleBooksByFormat は形式で絞り込んだ書籍を返すハンドラを返す。
func (s *Server) handleBooksByFormat() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		list, err := s.queryBooks(c.Request.Context(), "f.name = ?", name)
		if err != nil {
			s.bookError(c, "書籍の取得に失敗しました", err)
			return
		}
		if len(list) == 0 {
			writeMessage(c, http.StatusNotFound, fmt.Sprintf("形式 '%s' の書籍はありません", name))
			return
		}
		writeCatalog(c, list)
	}
}

// handleBooksByAuthor は著者で絞り込んだ書籍を返すハンドラを返す。
// 共著の場合も著者欄にはすべての著者を含める。
func (s *Server) handleBooksByAuthor() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		name := c.Param("name")

		var authorID int64
		err := s.db.QueryRowContext(ctx, "SELECT id FROM authors WHERE name = ?", name).Scan(&authorID)
		if errors.Is(err, sql.ErrNoRows) {
			writeMessage(c, http.StatusNotFound, fmt.Sprintf("著者 '%s' が見つかりません", name))
			return
		}
		if err != nil {
			s.bookError(c, "著者の取得に失敗しました", err)
			return
		}

		list, err := s.queryBooks(ctx, "EXISTS (SELECT 1 FROM book_authors x WHERE x.book_id = b.id AND x.author_id = ?)", authorID)
		if err != nil {
			s.bookError(c, "書籍の取得に失敗しました", err)
			return
		}
		if len(list) == 0 {
			writeMessage(c, http.StatusNotFound, fmt.Sprintf("著者 '%s' の書籍はありません", name))
			return
		}
		writeCatalog(c, list)
	}
}

// handleInsertBook は書籍を登録するハンドラを返す。
// ジャンル・形式・著者は登録済みのものだけを受け付ける。
func (s *Server) handleInsertBook() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req insertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeMessage(c, http.StatusBadRequest, "リクエストボディをJSONで指定してください")
			return
		}
		if !req.complete() {
			writeMessage(c, http.StatusBadRequest, "必須項目が不足しています: "+strings.Join(requiredBookFields, ", "))
			return
		}

		isbn := strings.TrimSpace(*req.ISBN)
		status, msg, err := s.insertBook(c.Request.Context(), isbn, req)
		if err != nil {
			s.bookError(c, "書籍の登録に失敗しました", err)
			return
		}
		writeMessage(c, status, msg)
	}
}

// insertBook は書籍と著者の対応を1トランザクションで登録する。
// 入力の誤りはステータスとメッセージで返し、errはサーバー側の失敗に限る。
func (s *Server) insertBook(ctx context.Context, isbn string, req insertRequest) (int, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	genreID, err := lookupID(ctx, tx, "genres", strings.TrimSpace(*req.Genre))
	if err != nil {
		return 0, "", err
	}
	formatID, err := lookupID(ctx, tx, "formats", strings.TrimSpace(*req.Format))
	if err != nil {
		return 0, "", err
	}
	if genreID == 0 || formatID == 0 {
		return http.StatusBadRequest, "ジャンルまたは形式が不正です", nil
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO books (isbn, title, year, price, stock, genre_id, format_id) VALUES (?, ?, ?, ?, ?, ?, ?)",
		isbn, strings.TrimSpace(*req.Title), *req.Year, *req.Price, *req.Stock, genreID, formatID)
	if isUniqueViolation(err) {
		return http.StatusConflict, fmt.Sprintf("ISBN %s は既に登録されています", isbn), nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("書籍の登録に失敗: %w", err)
	}
	bookID, err := res.LastInsertId()
	if err != nil {
		return 0, "", fmt.Errorf("書籍IDの取得に失敗: %w", err)
	}

	authors := books.Book{Author: *req.Author}.Authors()
	if len(authors) == 0 {
		return http.StatusBadRequest, "著者を指定してください", nil
	}
	for i, name := range authors {
		authorID, err := lookupID(ctx, tx, "authors", name)
		if err != nil {
			return 0, "", err
		}
		if authorID == 0 {
			return http.StatusBadRequest, fmt.Sprintf("著者 '%s' は登録されていません", name), nil
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO book_authors (book_id, author_id, position) VALUES (?, ?, ?)", bookID, authorID, i); err != nil {
			return 0, "", fmt.Errorf("著者の対応付けに失敗: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, "", fmt.Errorf("コミットに失敗: %w", err)
	}
	return http.StatusCreated, fmt.Sprintf("ISBN %s の書籍を登録しました", isbn), nil
}

// lookupID は名前からIDを引く。見つからない場合は0。
// tableは固定の識別子だけを渡すこと。
func lookupID(ctx context.Context, tx *sql.Tx, table, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM "+table+" WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%sの取得に失敗: %w", table, err)
	}
	return id, nil
}

// handleUpdateBook はタイトル・出版年・価格・在庫を更新するハンドラを返す。
func (s *Server) handleUpdateBook() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		isbn := c.Param("isbn")

		var req books.Update
		if err := c.ShouldBindJSON(&req); err != nil {
			writeMessage(c, http.StatusBadRequest, "更新内容をJSONで指定してください")
			return
		}

		var exists bool
		if err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM books WHERE isbn = ?)", isbn).Scan(&exists); err != nil {
			s.bookError(c, "書籍の取得に失敗しました", err)
			return
		}
		if !exists {
			writeMessage(c, http.StatusNotFound, fmt.Sprintf("ISBN %s の書籍が見つかりません", isbn))
			return
		}

		var (
			sets []string
			args []any
		)
		if req.Title != nil {
			sets, args = append(sets, "title = ?"), append(args, strings.TrimSpace(*req.Title))
		}
		if req.Year != nil {
			sets, args = append(sets, "year = ?"), append(args, *req.Year)
		}
		if req.Price != nil {
			sets, args = append(sets, "price = ?"), append(args, *req.Price)
		}
		if req.Stock != nil {
			sets, args = append(sets, "stock = ?"), append(args, *req.Stock)
		}
		if len(sets) == 0 {
			writeMessage(c, http.StatusOK, fmt.Sprintf("ISBN %s の書籍に変更はありません", isbn))
			return
		}

		args = append(args, isbn)
		if _, err := s.db.ExecContext(ctx, "UPDATE books SET "+strings.Join(sets, ", ")+" WHERE isbn = ?", args...); err != nil {
			s.bookError(c, "書籍の更新に失敗しました", err)
			return
		}
		writeMessage(c, http.StatusOK, fmt.Sprintf("ISBN %s の書籍を更新しました", isbn))
	}
}

// handleDeleteBooks は {"isbns": [...]} で指定した書籍を削除するハンドラを返す。
func (s *Server) handleDeleteBooks() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ISBNs *[]string `json:"isbns"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.ISBNs == nil {
			writeMessage(c, http.StatusBadRequest, "isbnsに削除するISBNの配列を指定してください")
			return
		}
		if len(*req.ISBNs) == 0 {
			writeMessage(c, http.StatusBadRequest, "削除するISBNがありません")
			return
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(*req.ISBNs)), ", ")
		args := make([]any, 0, len(*req.ISBNs))
		for _, isbn := range *req.ISBNs {
			args = append(args, isbn)
		}
		res, err := s.db.ExecContext(c.Request.Context(), "DELETE FROM books WHERE isbn IN ("+placeholders+")", args...)
		if err != nil {
			s.bookError(c, "書籍の削除に失敗しました", err)
			return
		}
		n, err := res.RowsAffected()
		if err != nil {
			s.bookError(c, "書籍の削除に失敗しました", err)
			return
		}
		if n == 0 {
			writeMessage(c, http.StatusNotFound, "指定されたISBNの書籍は見つかりませんでした")
			return
		}
		writeMessage(c, http.StatusOK, fmt.Sprintf("%d冊の書籍を削除しました", n))
	}
}

// handleStylesheet はカタログ表示用のXSLを返すハンドラを返す。
func (s *Server) handleStylesheet() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Data(http.StatusOK, xmlContentType, []byte(catalogXSL))
	}
}

// catalogXSL はカタログを表形式で表示するスタイルシート。
const catalogXSL = `<?xml version="1.0" encoding="UTF-8"?>
<xsl:stylesheet version="1.0" xmlns:xsl="http://www.w3.org/1999/XSL/Transform">
<xsl:output method="html" encoding="UTF-8" indent="yes"/>
<xsl:template match="/">
<html>
<head><title>Catálogo de libros</title></head>
<body>
<table border="1">
<thead><tr><th>ISBN</th><th>Título</th><th>Autor(es)</th><th>Año</th><th>Género</th><th>Precio</th><th>Stock</th><th>Formato</th></tr></thead>
<tbody><xsl:for-each select="catalog/book"><tr>
<td><xsl:value-of select="@isbn"/></td>
<td><xsl:value-of select="title"/></td>
<td><xsl:value-of select="author"/></td>
<td><xsl:value-of select="year"/></td>
<td><xsl:value-of select="genre"/></td>
<td><xsl:value-of select="price"/></td>
<td><xsl:value-of select="stock"/></td>
<td><xsl:value-of select="format"/></td>
</tr></xsl:for-each></tbody>
</table>
</body>
</html>
</xsl:template>
</xsl:stylesheet>
`

package devserver

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/bookshelf/pkg/middleware"
)

// itemJSON はアイテムのJSON表現。
type itemJSON struct {
	ID        int64   `json:"id"`
	Title     string  `json:"title"`
	Notes     *string `json:"notes"`
	CreatedAt string  `json:"created_at"`
}

// handleProfile はログイン中のユーザー情報を返すハンドラを返す。
func (s *Server) handleProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			user                 userJSON
			createdAt, updatedAt string
		)
		err := s.db.QueryRowContext(c.Request.Context(),
			"SELECT id, email, username, created_at, updated_at FROM users WHERE id = ?", middleware.GetUserID(c),
		).Scan(&user.ID, &user.Email, &user.Username, &createdAt, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			s.internalError(c, "ユーザー取得に失敗", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": gin.H{
			"id":         user.ID,
			"email":      user.Email,
			"username":   user.Username,
			"created_at": createdAt,
			"updated_at": updatedAt,
		}})
	}
}

// handleListItems はログイン中のユーザーのアイテムを新しい順に返すハンドラを返す。
func (s *Server) handleListItems() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := s.db.QueryContext(c.Request.Context(),
			"SELECT id, title, notes, created_at FROM items WHERE user_id = ? ORDER BY id DESC", middleware.GetUserID(c))
		if err != nil {
			s.internalError(c, "アイテム取得に失敗", err)
			return
		}
		defer func() { _ = rows.Close() }()

		items := []itemJSON{}
		for rows.Next() {
			var (
				it    itemJSON
				notes sql.NullString
			)
			if err := rows.Scan(&it.ID, &it.Title, &notes, &it.CreatedAt); err != nil {
				s.internalError(c, "アイテムの読み込みに失敗", err)
				return
			}
			if notes.Valid {
				it.Notes = &notes.String
			}
			items = append(items, it)
		}
		if err := rows.Err(); err != nil {
			s.internalError(c, "アイテムの読み込みに失敗", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

// handleCreateItem はアイテムを作成するハンドラを返す。
func (s *Server) handleCreateItem() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Title string  `json:"title"`
			Notes *string `json:"notes"`
		}
		_ = c.ShouldBindJSON(&req)
		title := strings.TrimSpace(req.Title)
		if title == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "titleは必須です"})
			return
		}

		res, err := s.db.ExecContext(c.Request.Context(),
			"INSERT INTO items (user_id, title, notes) VALUES (?, ?, ?)", middleware.GetUserID(c), title, req.Notes)
		if err != nil {
			s.internalError(c, "アイテム作成に失敗", err)
			return
		}
		id, err := res.LastInsertId()
		if err != nil {
			s.internalError(c, "アイテムIDの取得に失敗", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message": "アイテムを作成しました", "id": id})
	}
}

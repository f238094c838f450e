// Package books は書籍カタログAPI（XML）のクライアントと、そのXML表現を提供する。
package books

import (
	"encoding/xml"
	"strings"
)

// Catalog は書籍一覧のXML表現。
//
//	<catalog>
//	  <book isbn="..."><title/><author/><year/><genre/><price/><stock/><format/></book>
//	</catalog>
type Catalog struct {
	XMLName xml.Name `xml:"catalog"`
	Books   []Book   `xml:"book"`
}

// Book は1冊分の書籍情報。
type Book struct {
	// ISBN は書籍のISBN（属性）。
	ISBN string `xml:"isbn,attr"`
	// Title はタイトル。
	Title string `xml:"title"`
	// Author は著者名。複数の場合は ", " 区切り。
	Author string `xml:"author"`
	// Year は出版年。
	Year int `xml:"year"`
	// Genre はジャンル。
	Genre string `xml:"genre"`
	// Price は価格。
	Price float64 `xml:"price"`
	// Stock は在庫数。
	Stock int `xml:"stock"`
	// Format は形式（例: "Tapa dura", "Digital"）。
	Format string `xml:"format"`
}

// Authors は著者名を個別に分割して返す。
func (b Book) Authors() []string {
	var out []string
	for _, a := range strings.Split(b.Author, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Message は書籍APIのメッセージ応答。
//
//	<response><message>...</message><status>200</status></response>
type Message struct {
	XMLName xml.Name `xml:"response"`
	Message string   `xml:"message"`
	Status  int      `xml:"status"`
}

// NewBook は書籍登録のリクエスト。キーは書籍APIに合わせてスペイン語。
type NewBook struct {
	ISBN   string  `json:"isbn"`
	Title  string  `json:"titulo"`
	Year   int     `json:"anio_publicacion"`
	Price  float64 `json:"precio"`
	Stock  int     `json:"stock"`
	Genre  string  `json:"genero"`
	Format string  `json:"formato"`
	// Author は著者名。複数の場合は "," 区切り。
	Author string `json:"autor"`
}

// Update は書籍更新のリクエスト。nilのフィールドは変更しない。
type Update struct {
	Title *string  `json:"titulo,omitempty"`
	Year  *int     `json:"anio_publicacion,omitempty"`
	Price *float64 `json:"precio,omitempty"`
	Stock *int     `json:"stock,omitempty"`
}

// IsEmpty は変更するフィールドがないかを返す。
func (u Update) IsEmpty() bool {
	return u.Title == nil && u.Year == nil && u.Price == nil && u.Stock == nil
}

// XMLHeader はカタログ応答の先頭に付けるXML宣言とスタイルシート指定。
const XMLHeader = xml.Header + `<?xml-stylesheet type="text/xsl" href="/libros.xsl"?>` + "\n"

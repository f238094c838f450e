package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/nao1215/bookshelf/internal/books"
)

// cmdBooks は書籍カタログを操作する。
func (a *app) cmdBooks(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: books のサブコマンドを指定してください", errUsage)
	}

	switch args[0] {
	case "insert":
		return a.booksInsert(ctx, args[1:])
	case "update":
		return a.booksUpdate(ctx, args[1:])
	case "delete":
		msg, err := a.books.Delete(ctx, args[1:])
		if err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, msg.Message)
		return nil
	case "raw":
		if _, err := a.queryBooks(ctx, args[1:]); err != nil {
			return err
		}
		_, err := a.stdout.Write(a.books.LastXML())
		return err
	default:
		list, err := a.queryBooks(ctx, args)
		if err != nil {
			return err
		}
		printBooks(a.stdout, list)
		return nil
	}
}

// queryBooks は all / isbn / author / format の検索を実行する。
func (a *app) queryBooks(ctx context.Context, args []string) ([]books.Book, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: all / isbn / author / format のいずれかを指定してください", errUsage)
	}
	arg := strings.Join(args[1:], " ")

	switch args[0] {
	case "all":
		return a.books.All(ctx)
	case "isbn":
		b, err := a.books.ByISBN(ctx, arg)
		if err != nil {
			return nil, err
		}
		return []books.Book{*b}, nil
	case "author":
		return a.books.ByAuthor(ctx, arg)
	case "format":
		return a.books.ByFormat(ctx, arg)
	default:
		return nil, fmt.Errorf("%w: 不明なサブコマンド books %s", errUsage, args[0])
	}
}

// booksInsert は書籍を登録する。
func (a *app) booksInsert(ctx context.Context, args []string) error {
	var b books.NewBook
	fs := a.newFlagSet("books insert")
	fs.StringVar(&b.ISBN, "isbn", "", "ISBN")
	fs.StringVar(&b.Title, "title", "", "タイトル")
	fs.IntVar(&b.Year, "year", 0, "出版年")
	fs.Float64Var(&b.Price, "price", 0, "価格")
	fs.IntVar(&b.Stock, "stock", 0, "在庫数")
	fs.StringVar(&b.Genre, "genre", "", "ジャンル")
	fs.StringVar(&b.Format, "format", "", "形式")
	fs.StringVar(&b.Author, "author", "", "著者（複数の場合は , 区切り）")
	if err := parse(fs, args); err != nil {
		return err
	}

	msg, err := a.books.Insert(ctx, b)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, msg.Message)
	return nil
}

// booksUpdate は指定したフィールドだけを更新する。
func (a *app) booksUpdate(ctx context.Context, args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("%w: books update <isbn> [-title ...] [-year ...] [-price ...] [-stock ...]", errUsage)
	}
	isbn := args[0]

	fs := a.newFlagSet("books update")
	title := fs.String("title", "", "タイトル")
	year := fs.Int("year", 0, "出版年")
	price := fs.Float64("price", 0, "価格")
	stock := fs.Int("stock", 0, "在庫数")
	if err := parse(fs, args[1:]); err != nil {
		return err
	}

	var u books.Update
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "title":
			u.Title = title
		case "year":
			u.Year = year
		case "price":
			u.Price = price
		case "stock":
			u.Stock = stock
		}
	})

	msg, err := a.books.Update(ctx, isbn, u)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, msg.Message)
	return nil
}

func printBooks(out io.Writer, list []books.Book) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ISBN\tタイトル\t著者\t年\tジャンル\t価格\t在庫\t形式")
	for _, b := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%.2f\t%d\t%s\n", b.ISBN, b.Title, b.Author, b.Year, b.Genre, b.Price, b.Stock, b.Format)
	}
}

package migrations

import (
	"embed"
	"io/fs"
)

//go:embed mysql/*.sql sqlite/*.sql
var files embed.FS

// For 返回指定方言的迁移文件。
func For(dialect string) (fs.FS, error) {
	return fs.Sub(files, dialect)
}

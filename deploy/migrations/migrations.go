// Package migrations 打包 MySQL 事件审计表的建表脚本。
package migrations

import "embed"

// Files 按文件名前缀的版本号依次执行，已执行的版本记录在 schema_migrations 中。
//
//go:embed *.sql
var Files embed.FS

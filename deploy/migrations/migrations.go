package migrations

import "embed"

// Files 内嵌插件状态表的 MySQL 迁移脚本，按文件名版本号顺序执行。
//
//go:embed *.sql
var Files embed.FS

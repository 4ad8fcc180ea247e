// Package migrations содержит SQL миграции payment сервиса для goose
package migrations

import "embed"

// FS - встроенные файлы миграций
//
//go:embed *.sql
var FS embed.FS

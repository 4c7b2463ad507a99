// Package db carries the SQL migrations applied by collabd.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS

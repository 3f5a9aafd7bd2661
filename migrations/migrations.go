// Package migrations embeds the Postgres schema and seed data for the
// credit ledger.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql seeds/*.sql
var files embed.FS

// Migrations returns the schema files rooted at the sql directory.
func Migrations() fs.FS { return sub("sql") }

// Seeds returns the seed files rooted at the seeds directory.
func Seeds() fs.FS { return sub("seeds") }

func sub(dir string) fs.FS {
	out, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return out
}

// Package ddl holds SQL statements that create or upgrade the usage and
// quota settings tables.
package ddl

import _ "embed"

//go:embed "store.sql"
var DDL string

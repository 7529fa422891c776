// Package archive reads and writes the zip container holding a backup.
//
// Layout, rooted at pg_backup/:
//
//	pg_backup/schemas.sql
//	pg_backup/schemas/<schema>/{sequences,tables,views,indexes,constraints}.sql
//	pg_backup/schemas/<schema>/tables/<table>
//
// Table entries hold the server's binary COPY stream, untouched.
package archive

import (
	"fmt"
)

// Root prefixes every entry name
const Root = "pg_backup/"

// SchemasEntry holds the CREATE SCHEMA statements of every dumped schema
const SchemasEntry = Root + "schemas.sql"

const schemasDir = Root + "schemas/"

// Segment names one per schema SQL entry
type Segment string

const (
	Sequences   Segment = "sequences.sql"
	Tables      Segment = "tables.sql"
	Views       Segment = "views.sql"
	Indexes     Segment = "indexes.sql"
	Constraints Segment = "constraints.sql"
)

// SchemaRoot returns the directory entry of a schema
func SchemaRoot(schema string) string {
	return schemasDir + schema + "/"
}

// SegmentPath returns the entry holding one segment of a schema
func SegmentPath(schema string, seg Segment) string {
	return SchemaRoot(schema) + string(seg)
}

// TablesDir returns the directory holding the data entries of a schema
func TablesDir(schema string) string {
	return SchemaRoot(schema) + "tables/"
}

// TablePath returns the data entry of a table
func TablePath(schema, table string) string {
	return TablesDir(schema) + table
}

// FormatError reports an archive missing an entry the layout requires
type FormatError struct {
	Entry string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid backup archive: missing entry %s", e.Entry)
}

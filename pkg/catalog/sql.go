package catalog

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// Terminator ends every rendered statement. A line ending with it closes
// the statement; statements may span several lines.
const Terminator = " ;"

// SQL renders obj as executable statements, each ended by Terminator and a
// newline. Statements run with the target schema as the search path, so no
// reference to the source schema name is emitted.
func SQL(obj Object, filter DataFilter) string {
	if filter == nil {
		filter = AllData
	}
	switch o := obj.(type) {
	case *Schema:
		return schemaSQL(o)
	case *Table:
		return withOwner(o.Schema, o.Owner, tableSQL(o))
	case *Sequence:
		return withOwner(o.Schema, o.Owner, sequenceSQL(o, filter))
	case *View:
		return withOwner(o.Schema, o.Owner, viewSQL(o))
	case *Index:
		return indexSQL(o)
	case *Constraint:
		return withOwner(o.Schema, o.Owner, constraintSQL(o))
	}
	panic("catalog: unknown object type")
}

// withOwner switches role around body when the object is not owned by the
// schema owner
func withOwner(schema *Schema, owner, body string) string {
	if owner == "" || schema == nil || owner == schema.Owner {
		return body
	}
	var b strings.Builder
	b.WriteString(SetRole(owner))
	b.WriteString(body)
	b.WriteString(SetRole(schema.Owner))
	return b.String()
}

// SetRole renders a role switch statement
func SetRole(role string) string {
	return "SET ROLE " + pq.QuoteIdentifier(role) + Terminator + "\n"
}

// CreateSchema renders the statement creating schema name owned by owner
func CreateSchema(name, owner string) string {
	return "CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(name) +
		" AUTHORIZATION " + pq.QuoteIdentifier(owner) + Terminator + "\n"
}

func schemaSQL(s *Schema) string {
	return CreateSchema(s.Name, s.Owner)
}

func sequenceSQL(s *Sequence, filter DataFilter) string {
	var b strings.Builder
	b.WriteString("CREATE SEQUENCE ")
	b.WriteString(pq.QuoteIdentifier(s.Name))
	if s.Increment != 1 {
		b.WriteString(" INCREMENT BY ")
		b.WriteString(strconv.FormatInt(s.Increment, 10))
	}
	b.WriteString(" MINVALUE ")
	b.WriteString(strconv.FormatInt(s.Min, 10))
	b.WriteString(" MAXVALUE ")
	b.WriteString(strconv.FormatInt(s.Max, 10))
	if s.Cycle {
		b.WriteString(" CYCLE")
	}
	if s.Cache > 1 {
		b.WriteString(" CACHE ")
		b.WriteString(strconv.FormatInt(s.Cache, 10))
	}
	b.WriteString(" START ")
	b.WriteString(strconv.FormatInt(s.Start, 10))
	b.WriteString(Terminator + "\n")

	if s.LastValue != nil && filter(schemaName(s.Schema), s.Name) {
		b.WriteString("SELECT setval(")
		b.WriteString(pq.QuoteLiteral(pq.QuoteIdentifier(s.Name)))
		b.WriteString(", ")
		b.WriteString(strconv.FormatInt(*s.LastValue, 10))
		b.WriteString(")" + Terminator + "\n")
	}
	return b.String()
}

func tableSQL(t *Table) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(pq.QuoteIdentifier(t.Name))
	b.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(columnSQL(c, schemaName(t.Schema)))
	}
	b.WriteString(")" + Terminator + "\n")

	for _, c := range t.Columns {
		if c.SequenceName == "" {
			continue
		}
		b.WriteString("ALTER SEQUENCE ")
		b.WriteString(pq.QuoteIdentifier(c.SequenceName))
		b.WriteString(" OWNED BY ")
		b.WriteString(pq.QuoteIdentifier(t.Name))
		b.WriteString(".")
		b.WriteString(pq.QuoteIdentifier(c.Name))
		b.WriteString(Terminator + "\n")
	}
	return b.String()
}

func columnSQL(c Column, schema string) string {
	var b strings.Builder
	b.WriteString(pq.QuoteIdentifier(c.Name))
	b.WriteString(" ")
	b.WriteString(ColumnType(c, schema))
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	return b.String()
}

var sizedTypes = map[string]bool{
	"bit": true, "varbit": true, "bit varying": true,
	"bpchar": true, "char": true, "character": true,
	"varchar": true, "character varying": true,
}

var numericTypes = map[string]bool{"numeric": true, "decimal": true}

var timeTypes = map[string]bool{
	"time": true, "timetz": true, "timestamp": true, "timestamptz": true,
	"time without time zone": true, "time with time zone": true,
	"timestamp without time zone": true, "timestamp with time zone": true,
}

// ColumnType renders the declared type of c, restoring the size, precision
// and scale modifiers and dropping any qualification by schema
func ColumnType(c Column, schema string) string {
	base := c.TypeName
	suffix := ""
	for strings.HasSuffix(base, "[]") {
		base = strings.TrimSuffix(base, "[]")
		suffix += "[]"
	}
	base = stripSchemaPrefix(base, schema)

	switch {
	case sizedTypes[base]:
		if c.Size > 0 {
			base += "(" + strconv.Itoa(c.Size) + ")"
		}
	case numericTypes[base]:
		if c.Size > 0 {
			base += "(" + strconv.Itoa(c.Size) + "," + strconv.Itoa(c.Scale) + ")"
		}
	case timeTypes[base]:
		if c.Scale >= 0 {
			p := "(" + strconv.Itoa(c.Scale) + ")"
			if i := strings.IndexByte(base, ' '); i > 0 {
				base = base[:i] + p + base[i:]
			} else {
				base += p
			}
		}
	case base == "interval":
		base += intervalFields(c.Size)
		if c.Scale >= 0 {
			base += "(" + strconv.Itoa(c.Scale) + ")"
		}
	}
	return base + suffix
}

// interval range bits, as encoded in the upper half of the type modifier
const (
	intervalMonth  = 1 << 1
	intervalYear   = 1 << 2
	intervalDay    = 1 << 3
	intervalHour   = 1 << 10
	intervalMinute = 1 << 11
	intervalSecond = 1 << 12
)

var intervalRanges = map[int]string{
	intervalYear:                                   " year",
	intervalMonth:                                  " month",
	intervalDay:                                    " day",
	intervalHour:                                   " hour",
	intervalMinute:                                 " minute",
	intervalSecond:                                 " second",
	intervalYear | intervalMonth:                   " year to month",
	intervalDay | intervalHour:                     " day to hour",
	intervalDay | intervalHour | intervalMinute:    " day to minute",
	intervalHour | intervalMinute:                  " hour to minute",
	intervalHour | intervalMinute | intervalSecond: " hour to second",
	intervalMinute | intervalSecond:                " minute to second",
	intervalDay | intervalHour | intervalMinute | intervalSecond: " day to second",
}

func intervalFields(mask int) string {
	return intervalRanges[mask]
}

// stripSchemaPrefix removes a leading schema qualifier, quoted or not
func stripSchemaPrefix(s, schema string) string {
	if schema == "" {
		return s
	}
	for _, p := range []string{schema + ".", pq.QuoteIdentifier(schema) + "."} {
		if strings.HasPrefix(s, p) {
			return s[len(p):]
		}
	}
	return s
}

// stripQualifier removes schema qualification after every occurrence of
// marker, in both the bare and the quoted spelling of the schema
func stripQualifier(s, marker, schema string) string {
	if schema == "" {
		return s
	}
	s = strings.ReplaceAll(s, marker+pq.QuoteIdentifier(schema)+".", marker)
	return strings.ReplaceAll(s, marker+schema+".", marker)
}

// StripNextval removes the schema from sequence references in a column default
func StripNextval(def, schema string) string {
	return stripQualifier(def, "nextval('", schema)
}

func viewSQL(v *View) string {
	def := strings.TrimSpace(stripSchemaRefs(v.Definition, schemaName(v.Schema)))
	def = strings.TrimSuffix(def, ";")
	return "CREATE VIEW " + pq.QuoteIdentifier(v.Name) + " AS " + def + Terminator + "\n"
}

func indexSQL(i *Index) string {
	def := stripQualifier(i.Definition, " ON ONLY ", schemaName(i.Schema))
	def = stripQualifier(def, " ON ", schemaName(i.Schema))
	return def + Terminator + "\n"
}

func constraintSQL(c *Constraint) string {
	def := stripQualifier(c.Definition, " REFERENCES ", schemaName(c.Schema))
	return "ALTER TABLE " + pq.QuoteIdentifier(c.Table) +
		" ADD CONSTRAINT " + pq.QuoteIdentifier(c.Name) + " " + def + Terminator + "\n"
}

func schemaName(s *Schema) string {
	if s == nil {
		return ""
	}
	return s.Name
}

// maxStatementSize bounds a single line of an SQL segment
const maxStatementSize = 64 << 20

// ScanStatements reads newline separated statements written by SQL and calls
// fn for each one, without its terminator. A terminator inside a string
// literal or quoted identifier does not end the statement.
func ScanStatements(r io.Reader, fn func(stmt string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxStatementSize)

	var pending []string
	var q quoting
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimRight(line, " \t\r")
		if trimmed == "" && len(pending) == 0 {
			continue
		}
		q.feed(line)
		q.feed("\n")
		if q.inside() || (!strings.HasSuffix(trimmed, Terminator) && trimmed != ";") {
			pending = append(pending, line)
			continue
		}
		pending = append(pending, strings.TrimSuffix(strings.TrimSuffix(trimmed, ";"), " "))
		stmt := strings.Join(pending, "\n")
		pending = pending[:0]
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := fn(stmt); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if rest := strings.TrimSpace(strings.Join(pending, "\n")); rest != "" {
		return fn(rest)
	}
	return nil
}

// QualifiedName renders schema.name with both parts quoted
func QualifiedName(schema, name string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
}

package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	mssql "github.com/microsoft/go-mssqldb"

	"file-loader/internal/schema"
)

// Column is one rendered table column.
type Column struct {
	Name string
	Type string
}

// Dialect is the thin, swappable SQL emitter. It renders identifiers,
// placeholders, DDL, and the idempotent upsert for one database family; all
// query execution stays in the callers.
type Dialect interface {
	// Name is the dialect's short label for logs.
	Name() string
	// DriverName is the database/sql driver registered for this dialect.
	DriverName() string
	// QuoteIdent quotes an identifier.
	QuoteIdent(name string) string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder(n int) string
	// IdentMaxLen is the identifier length limit, used to truncate stage
	// table names.
	IdentMaxLen() int
	// MaxParams bounds the bind parameters of one statement; batched
	// inserts chunk to stay under it.
	MaxParams() int
	// ColumnType maps a semantic field type to a column type. String fields
	// map to an indexable type since grains may contain them.
	ColumnType(fieldType string) string
	// LongTextType is the column type for unindexed free-form text.
	LongTextType() string
	// TimestampType is the column type for engine-recorded instants.
	TimestampType() string
	// CreateTableSQL renders an idempotent CREATE TABLE. pk optionally
	// names a primary-key column; uniqueCols optionally declares a
	// composite uniqueness constraint.
	CreateTableSQL(table string, cols []Column, pk string, uniqueCols []string) string
	// EnsureIndexSQL renders index creation; dialects without IF NOT EXISTS
	// report the resulting duplicate error via IsDuplicateObject.
	EnsureIndexSQL(table, index string, cols []string) string
	// IsDuplicateObject reports whether err means the object already exists.
	IsDuplicateObject(err error) bool
	// DropTableSQL renders an idempotent DROP TABLE.
	DropTableSQL(table string) string
	// TruncateSQL renders a table truncation.
	TruncateSQL(table string) string
	// ExistsRowSQL renders a single-row existence probe on whereCol with one
	// bind parameter.
	ExistsRowSQL(table, whereCol string) string
	// UpsertSQL renders the atomic grain-keyed upsert from stage into
	// target. cols is every target column, grain the key subset, nonGrain
	// the updatable remainder.
	UpsertSQL(target, stage string, cols, grain, nonGrain []string) string
}

// DialectByName resolves a dialect by its short label. Used where no
// connection URL is in play (tests, tooling).
func DialectByName(name string) (Dialect, error) {
	switch name {
	case "postgres":
		return &postgresDialect{}, nil
	case "mysql":
		return &mysqlDialect{}, nil
	case "sqlserver":
		return &mssqlDialect{}, nil
	}
	return nil, fmt.Errorf("unknown dialect '%s'", name)
}

func quoteJoin(d Dialect, names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = d.QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func renderColumns(d Dialect, cols []Column, pk string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		def := fmt.Sprintf("%s %s", d.QuoteIdent(c.Name), c.Type)
		if c.Name == pk {
			def += " PRIMARY KEY"
		}
		parts[i] = def
	}
	return strings.Join(parts, ", ")
}

// --- PostgreSQL ---

type postgresDialect struct{}

func (d *postgresDialect) Name() string       { return "postgres" }
func (d *postgresDialect) DriverName() string { return "pgx" }
func (d *postgresDialect) IdentMaxLen() int   { return 63 }
func (d *postgresDialect) MaxParams() int     { return 65535 }

func (d *postgresDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *postgresDialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (d *postgresDialect) ColumnType(fieldType string) string {
	switch fieldType {
	case schema.TypeInteger:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE PRECISION"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeDatetime:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (d *postgresDialect) LongTextType() string  { return "TEXT" }
func (d *postgresDialect) TimestampType() string { return "TIMESTAMPTZ" }

func (d *postgresDialect) CreateTableSQL(table string, cols []Column, pk string, uniqueCols []string) string {
	body := renderColumns(d, cols, pk)
	if len(uniqueCols) > 0 {
		body += fmt.Sprintf(", UNIQUE (%s)", quoteJoin(d, uniqueCols))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.QuoteIdent(table), body)
}

func (d *postgresDialect) EnsureIndexSQL(table, index string, cols []string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		d.QuoteIdent(index), d.QuoteIdent(table), quoteJoin(d, cols))
}

func (d *postgresDialect) IsDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P07" || pgErr.Code == "42710"
	}
	return false
}

func (d *postgresDialect) DropTableSQL(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.QuoteIdent(table))
}

func (d *postgresDialect) TruncateSQL(table string) string {
	return fmt.Sprintf("TRUNCATE TABLE %s", d.QuoteIdent(table))
}

func (d *postgresDialect) ExistsRowSQL(table, whereCol string) string {
	return fmt.Sprintf("SELECT 1 FROM %s WHERE %s = $1 LIMIT 1", d.QuoteIdent(table), d.QuoteIdent(whereCol))
}

func (d *postgresDialect) UpsertSQL(target, stage string, cols, grain, nonGrain []string) string {
	insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		d.QuoteIdent(target), quoteJoin(d, cols), quoteJoin(d, cols), d.QuoteIdent(stage))
	if len(nonGrain) == 0 {
		return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", insert, quoteJoin(d, grain))
	}
	sets := make([]string, len(nonGrain))
	for i, c := range nonGrain {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", d.QuoteIdent(c), d.QuoteIdent(c))
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		insert, quoteJoin(d, grain), strings.Join(sets, ", "))
}

// --- MySQL ---

type mysqlDialect struct{}

func (d *mysqlDialect) Name() string       { return "mysql" }
func (d *mysqlDialect) DriverName() string { return "mysql" }
func (d *mysqlDialect) IdentMaxLen() int   { return 64 }
func (d *mysqlDialect) MaxParams() int     { return 65535 }

func (d *mysqlDialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d *mysqlDialect) Placeholder(int) string { return "?" }

func (d *mysqlDialect) ColumnType(fieldType string) string {
	switch fieldType {
	case schema.TypeInteger:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE"
	case schema.TypeBoolean:
		return "TINYINT(1)"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeDatetime:
		return "DATETIME(6)"
	default:
		// Indexable (grain fields may be strings); MySQL cannot index bare
		// TEXT without a prefix length.
		return "VARCHAR(255)"
	}
}

func (d *mysqlDialect) LongTextType() string  { return "LONGTEXT" }
func (d *mysqlDialect) TimestampType() string { return "DATETIME(6)" }

func (d *mysqlDialect) CreateTableSQL(table string, cols []Column, pk string, uniqueCols []string) string {
	body := renderColumns(d, cols, pk)
	if len(uniqueCols) > 0 {
		body += fmt.Sprintf(", UNIQUE KEY (%s)", quoteJoin(d, uniqueCols))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.QuoteIdent(table), body)
}

func (d *mysqlDialect) EnsureIndexSQL(table, index string, cols []string) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		d.QuoteIdent(index), d.QuoteIdent(table), quoteJoin(d, cols))
}

func (d *mysqlDialect) IsDuplicateObject(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1061 || myErr.Number == 1050
	}
	return false
}

func (d *mysqlDialect) DropTableSQL(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.QuoteIdent(table))
}

func (d *mysqlDialect) TruncateSQL(table string) string {
	return fmt.Sprintf("TRUNCATE TABLE %s", d.QuoteIdent(table))
}

func (d *mysqlDialect) ExistsRowSQL(table, whereCol string) string {
	return fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? LIMIT 1", d.QuoteIdent(table), d.QuoteIdent(whereCol))
}

func (d *mysqlDialect) UpsertSQL(target, stage string, cols, grain, nonGrain []string) string {
	insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		d.QuoteIdent(target), quoteJoin(d, cols), quoteJoin(d, cols), d.QuoteIdent(stage))
	var sets []string
	if len(nonGrain) == 0 {
		// Self-assignment turns a duplicate key into a no-op.
		g := d.QuoteIdent(grain[0])
		sets = []string{fmt.Sprintf("%s = %s.%s", g, d.QuoteIdent(target), g)}
	} else {
		sets = make([]string, len(nonGrain))
		for i, c := range nonGrain {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", d.QuoteIdent(c), d.QuoteIdent(c))
		}
	}
	return fmt.Sprintf("%s ON DUPLICATE KEY UPDATE %s", insert, strings.Join(sets, ", "))
}

// --- SQL Server ---

type mssqlDialect struct{}

func (d *mssqlDialect) Name() string       { return "sqlserver" }
func (d *mssqlDialect) DriverName() string { return "sqlserver" }
func (d *mssqlDialect) IdentMaxLen() int   { return 128 }
func (d *mssqlDialect) MaxParams() int     { return 2100 }

func (d *mssqlDialect) QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d *mssqlDialect) Placeholder(n int) string {
	return fmt.Sprintf("@p%d", n)
}

func (d *mssqlDialect) ColumnType(fieldType string) string {
	switch fieldType {
	case schema.TypeInteger:
		return "BIGINT"
	case schema.TypeFloat:
		return "FLOAT"
	case schema.TypeBoolean:
		return "BIT"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeDatetime:
		return "DATETIME2"
	default:
		// Indexable; NVARCHAR(MAX) cannot participate in index keys.
		return "NVARCHAR(450)"
	}
}

func (d *mssqlDialect) LongTextType() string  { return "NVARCHAR(MAX)" }
func (d *mssqlDialect) TimestampType() string { return "DATETIME2" }

func (d *mssqlDialect) CreateTableSQL(table string, cols []Column, pk string, uniqueCols []string) string {
	body := renderColumns(d, cols, pk)
	if len(uniqueCols) > 0 {
		body += fmt.Sprintf(", UNIQUE (%s)", quoteJoin(d, uniqueCols))
	}
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
		table, d.QuoteIdent(table), body)
}

func (d *mssqlDialect) EnsureIndexSQL(table, index string, cols []string) string {
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) CREATE INDEX %s ON %s (%s)",
		index, table, d.QuoteIdent(index), d.QuoteIdent(table), quoteJoin(d, cols))
}

func (d *mssqlDialect) IsDuplicateObject(err error) bool {
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return msErr.Number == 2714 || msErr.Number == 1913
	}
	return false
}

func (d *mssqlDialect) DropTableSQL(table string) string {
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s", table, d.QuoteIdent(table))
}

func (d *mssqlDialect) TruncateSQL(table string) string {
	return fmt.Sprintf("TRUNCATE TABLE %s", d.QuoteIdent(table))
}

func (d *mssqlDialect) ExistsRowSQL(table, whereCol string) string {
	return fmt.Sprintf("SELECT TOP 1 1 FROM %s WHERE %s = @p1", d.QuoteIdent(table), d.QuoteIdent(whereCol))
}

func (d *mssqlDialect) UpsertSQL(target, stage string, cols, grain, nonGrain []string) string {
	ons := make([]string, len(grain))
	for i, g := range grain {
		ons[i] = fmt.Sprintf("t.%s = s.%s", d.QuoteIdent(g), d.QuoteIdent(g))
	}
	srcCols := make([]string, len(cols))
	for i, c := range cols {
		srcCols[i] = "s." + d.QuoteIdent(c)
	}

	stmt := fmt.Sprintf("MERGE INTO %s WITH (HOLDLOCK) AS t USING %s AS s ON (%s)",
		d.QuoteIdent(target), d.QuoteIdent(stage), strings.Join(ons, " AND "))
	if len(nonGrain) > 0 {
		sets := make([]string, len(nonGrain))
		for i, c := range nonGrain {
			sets[i] = fmt.Sprintf("t.%s = s.%s", d.QuoteIdent(c), d.QuoteIdent(c))
		}
		stmt += fmt.Sprintf(" WHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	}
	stmt += fmt.Sprintf(" WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		quoteJoin(d, cols), strings.Join(srcCols, ", "))
	return stmt
}

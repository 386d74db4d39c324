package config

import (
	"time"

	"file-loader/internal/schema"
)

// Source variants. The variant must agree with the reader selected for a
// file's extension.
const (
	SourceTypeCSV  = "csv"
	SourceTypeXLSX = "xlsx"
	SourceTypeJSON = "json"
)

// Defaults applied when the environment or a source declaration is silent.
const (
	DefaultBatchSize     = 10000
	DefaultDBTimeout     = 30 * time.Second
	DefaultLogLevel      = "info"
	DefaultSourcesPath   = "config/sources.yaml"
	DefaultCSVDelimiter  = ","
	DefaultPollInterval  = 30 * time.Second
	DefaultDataTeamEmail = "data-team@localhost"
	EnvPrefixDev         = "DEV_"
	EnvPrefixTest        = "TEST_"
	EnvPrefixProd        = "PROD_"
)

// AppConfig is the process-wide runtime configuration, resolved from the
// environment once at startup.
type AppConfig struct {
	// DatabaseURL selects the dialect by scheme (postgres, mysql, sqlserver)
	// and carries the connection parameters.
	DatabaseURL string
	// DirectoryPath is the watch directory polled for source files.
	DirectoryPath string
	// ArchivePath receives a copy of every file before processing.
	ArchivePath string
	// DuplicatePath receives files short-circuited by the duplicate guard.
	DuplicatePath string
	// SourcesPath is the YAML file holding the source declarations.
	SourcesPath string
	// BatchSize bounds staging and DLQ insert batches.
	BatchSize int
	// Workers is the pipeline worker-pool size; 0 means logical CPU count.
	Workers int
	// DBTimeout bounds every individual database call.
	DBTimeout time.Duration
	// DataTeamEmail is appended to every file-problem notification.
	DataTeamEmail string
	// TracingEnabled turns on the OpenTelemetry pipeline spans.
	TracingEnabled bool
	// LogLevel is the startup logging level (flag can override).
	LogLevel string
}

// ReaderOptions carries the reader-specific knobs of one source.
type ReaderOptions struct {
	// Delimiter is the CSV field delimiter (default ",").
	Delimiter string `yaml:"delimiter,omitempty"`
	// Encoding is an IANA charset name for delimited text (default UTF-8).
	Encoding string `yaml:"encoding,omitempty"`
	// SkipRows is the number of leading rows discarded before the header.
	SkipRows int `yaml:"skip_rows,omitempty"`
	// Sheet selects the spreadsheet sheet by name (default: first sheet).
	Sheet string `yaml:"sheet,omitempty"`
	// JSONPath is a dot-separated object path to the record array
	// (default: top-level array).
	JSONPath string `yaml:"json_path,omitempty"`
}

// SourceConfig is one named source declaration: a file pattern bound to a
// row model and a target table.
type SourceConfig struct {
	// Name identifies the source in logs and the run log.
	Name string `yaml:"name"`
	// Pattern is the glob matched against file basenames.
	Pattern string `yaml:"pattern"`
	// Type is the source variant: csv, xlsx, or json.
	Type string `yaml:"type"`
	// TargetTable is the persistent table records merge into.
	TargetTable string `yaml:"target_table"`
	// Model declares the fields, constraints, and grain.
	Model schema.RowModel `yaml:"model"`
	// AuditQuery is an optional SQL template with a {table} placeholder,
	// executed against the stage table after the grain gate.
	AuditQuery string `yaml:"audit_query,omitempty"`
	// ErrorThreshold is the tolerated fraction of failed rows in [0,1].
	ErrorThreshold float64 `yaml:"error_threshold,omitempty"`
	// Options are the reader-specific knobs.
	Options ReaderOptions `yaml:"options,omitempty"`
	// Recipients receive file-problem notifications for this source.
	Recipients []string `yaml:"recipients,omitempty"`
}

// SourcesFile is the shape of the source-declaration YAML document.
type SourcesFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"file-loader/internal/logging"
	"file-loader/internal/schema"
	"file-loader/internal/util"
)

// envPrefix resolves the namespace prefix from APP_ENV: dev -> DEV_,
// test -> TEST_, prod -> PROD_. Unset or unknown means no prefix.
func envPrefix() string {
	switch strings.ToLower(os.Getenv("APP_ENV")) {
	case "dev", "development":
		return EnvPrefixDev
	case "test":
		return EnvPrefixTest
	case "prod", "production":
		return EnvPrefixProd
	}
	return ""
}

// getenv looks up a variable under the active namespace prefix first, then
// bare, expanding any embedded variable references.
func getenv(prefix, key string) string {
	if prefix != "" {
		if v := os.Getenv(prefix + key); v != "" {
			return util.ExpandEnvUniversal(v)
		}
	}
	return util.ExpandEnvUniversal(os.Getenv(key))
}

// FromEnv resolves the runtime configuration from the environment. Required
// variables are DATABASE_URL, DIRECTORY_PATH, ARCHIVE_PATH, and
// DUPLICATE_FILES_PATH, each optionally namespaced by APP_ENV.
func FromEnv() (*AppConfig, error) {
	prefix := envPrefix()
	if prefix != "" {
		logging.Logf(logging.Debug, "Config: using environment prefix '%s'", prefix)
	}

	cfg := &AppConfig{
		DatabaseURL:   getenv(prefix, "DATABASE_URL"),
		DirectoryPath: getenv(prefix, "DIRECTORY_PATH"),
		ArchivePath:   getenv(prefix, "ARCHIVE_PATH"),
		DuplicatePath: getenv(prefix, "DUPLICATE_FILES_PATH"),
		SourcesPath:   getenv(prefix, "SOURCES_PATH"),
		DataTeamEmail: getenv(prefix, "DATA_TEAM_EMAIL"),
		LogLevel:      getenv(prefix, "LOG_LEVEL"),
		BatchSize:     DefaultBatchSize,
		Workers:       runtime.NumCPU(),
		DBTimeout:     DefaultDBTimeout,
	}

	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.DirectoryPath == "" {
		missing = append(missing, "DIRECTORY_PATH")
	}
	if cfg.ArchivePath == "" {
		missing = append(missing, "ARCHIVE_PATH")
	}
	if cfg.DuplicatePath == "" {
		missing = append(missing, "DUPLICATE_FILES_PATH")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if cfg.SourcesPath == "" {
		cfg.SourcesPath = DefaultSourcesPath
	}
	if cfg.DataTeamEmail == "" {
		cfg.DataTeamEmail = DefaultDataTeamEmail
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if v := getenv(prefix, "BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid BATCH_SIZE '%s': must be a positive integer", v)
		}
		cfg.BatchSize = n
	}
	if v := getenv(prefix, "WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid WORKERS '%s': must be a positive integer", v)
		}
		cfg.Workers = n
	}
	if v := getenv(prefix, "DB_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid DB_TIMEOUT_SECONDS '%s': must be a positive integer", v)
		}
		cfg.DBTimeout = time.Duration(n) * time.Second
	}
	if v := getenv(prefix, "TRACING"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TRACING '%s': must be a boolean", v)
		}
		cfg.TracingEnabled = enabled
	}

	return cfg, nil
}

// LoadSources reads, parses, defaults, and validates the source-declaration
// YAML file.
func LoadSources(filename string) ([]SourceConfig, error) {
	fileBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file '%s': %w", filename, err)
	}

	var doc SourcesFile
	if err := yaml.Unmarshal(fileBytes, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in '%s': %w", filename, err)
	}
	if len(doc.Sources) == 0 {
		return nil, fmt.Errorf("sources file '%s' declares no sources", filename)
	}

	for i := range doc.Sources {
		applySourceDefaults(&doc.Sources[i])
		if err := ValidateSource(&doc.Sources[i]); err != nil {
			return nil, fmt.Errorf("source '%s': %w", doc.Sources[i].Name, err)
		}
	}
	return doc.Sources, nil
}

// applySourceDefaults fills per-source defaults before validation.
func applySourceDefaults(src *SourceConfig) {
	if src.Type == SourceTypeCSV && src.Options.Delimiter == "" {
		src.Options.Delimiter = DefaultCSVDelimiter
	}
	for i := range src.Model.Fields {
		if src.Model.Fields[i].Type == "" {
			src.Model.Fields[i].Type = schema.TypeString
		}
	}
}

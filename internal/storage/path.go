package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildAuditArchivePath places an audit batch under a date partition:
// <prefix>/date=YYYY-MM-DD/audit-<batchID>.parquet.
func BuildAuditArchivePath(prefix string, flushedAt time.Time, batchID string) (string, error) {
	if err := validatePrefix(prefix); err != nil {
		return "", err
	}
	if err := validatePathComponent(batchID, "batch id"); err != nil {
		return "", err
	}
	ts := flushedAt.UTC()
	return path.Join(
		prefix,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("audit-%s.parquet", batchID),
	), nil
}

// BuildTableExportPrefix is the directory holding parquet exports for table.
func BuildTableExportPrefix(prefix, tableName string) (string, error) {
	if err := validatePrefix(prefix); err != nil {
		return "", err
	}
	if err := validatePathComponent(tableName, "table name"); err != nil {
		return "", err
	}
	return path.Join(prefix, tableName) + "/", nil
}

func validatePrefix(prefix string) error {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	for _, part := range strings.Split(prefix, "/") {
		if err := validatePathComponent(part, "prefix component"); err != nil {
			return err
		}
	}
	return nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}

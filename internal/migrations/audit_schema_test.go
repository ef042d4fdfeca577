package migrations

import (
	"strings"
	"testing"
)

func TestAuditMigrationContainsRequiredTableAndIndexes(t *testing.T) {
	body, err := embeddedFS.ReadFile("sql/000001_query_audit.up.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	sql := string(body)
	requiredSnippets := []string{
		"CREATE TABLE query_audit",
		"audit_id TEXT PRIMARY KEY",
		"warnings_json JSONB",
		"CREATE INDEX idx_query_audit_created_at_desc",
		"CREATE INDEX idx_query_audit_role_kind",
	}
	for _, snippet := range requiredSnippets {
		if !strings.Contains(sql, snippet) {
			t.Fatalf("migration missing required snippet: %s", snippet)
		}
	}

	down, err := embeddedFS.ReadFile("sql/000001_query_audit.down.sql")
	if err != nil {
		t.Fatalf("ReadFile(down) error = %v", err)
	}
	if !strings.Contains(string(down), "DROP TABLE IF EXISTS query_audit") {
		t.Fatalf("down migration does not drop query_audit")
	}
}

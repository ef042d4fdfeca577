package sqlguard

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/querygate/querygate/internal/nl2sql"
	"github.com/querygate/querygate/internal/permission"
	"github.com/querygate/querygate/internal/schema"
)

func TestValidateAcceptsBasicRoomSearch(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "basic"})
	candidate := nl2sql.CandidateSQL{
		SQL: `SELECT r.room_id, r.room_number, r.private_room_rent, b.building_name
FROM rooms r JOIN buildings b ON b.building_id = r.building_id
WHERE r.status = 'AVAILABLE' AND r.private_room_rent < 1200
ORDER BY r.private_room_rent ASC LIMIT 200`,
		Operation: schema.OpSelect,
		Tables:    []string{"rooms", "buildings"},
		Columns:   []string{"rooms.room_id", "rooms.private_room_rent", "buildings.building_name"},
	}
	verdict := Validate(candidate, allowed)
	if !verdict.Valid {
		t.Fatalf("Validate() rejected: %v", verdict.Reasons())
	}
	if got := verdict.Statement.Tables(); !reflect.DeepEqual(got, []string{"buildings", "rooms"}) {
		t.Fatalf("tables = %#v", got)
	}
}

func TestValidateRejectsDeleteTenantsForBasic(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "basic"})
	verdict := Validate(nl2sql.CandidateSQL{SQL: "DELETE FROM tenants", Operation: schema.OpDelete, Tables: []string{"tenants"}}, allowed)
	if verdict.Valid {
		t.Fatalf("expected rejection")
	}
	checks := verdict.Checks()
	if len(checks) < 2 || checks[0] != CheckOperation || checks[1] != CheckTables {
		t.Fatalf("checks = %#v", checks)
	}
	reasons := strings.Join(verdict.Reasons(), "\n")
	if !strings.Contains(reasons, "operation DELETE is not permitted for role basic") {
		t.Fatalf("reasons = %s", reasons)
	}
	if !strings.Contains(reasons, "table tenants is not in the allowed schema") {
		t.Fatalf("reasons = %s", reasons)
	}
}

func TestValidateRejectsDisallowedOperationRegardlessOfSchema(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "basic"})
	verdict := Validate(nl2sql.CandidateSQL{SQL: "UPDATE rooms SET status = 'RESERVED' WHERE room_id = 'R1'"}, allowed)
	if verdict.Valid || verdict.Checks()[0] != CheckOperation {
		t.Fatalf("verdict = %#v", verdict.Violations)
	}
}

func TestValidateRejectsStatementChaining(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "admin"})
	verdict := Validate(nl2sql.CandidateSQL{SQL: "SELECT room_id FROM rooms; DROP TABLE tenants"}, allowed)
	if verdict.Valid {
		t.Fatalf("expected rejection")
	}
	if !hasCheck(verdict, CheckInjection) || !hasCheck(verdict, CheckShape) {
		t.Fatalf("checks = %#v", verdict.Checks())
	}
}

func TestValidateAllowsSingleTrailingSemicolon(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "basic"})
	verdict := Validate(nl2sql.CandidateSQL{SQL: "SELECT room_id FROM rooms;"}, allowed)
	if !verdict.Valid {
		t.Fatalf("Validate() rejected: %v", verdict.Reasons())
	}
}

func TestValidateInjectionHazards(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "admin"})
	cases := map[string]string{
		"line comment":       "SELECT room_id FROM rooms -- WHERE status = 'AVAILABLE'",
		"block comment":      "SELECT room_id /* x */ FROM rooms",
		"comment terminator": "SELECT room_id */ FROM rooms",
		"hash comment":       "SELECT room_id FROM rooms # trailing",
		"unterminated":       "SELECT room_id FROM rooms WHERE status = 'AVAILABLE",
		"backslash":          `SELECT room_id FROM rooms WHERE status = 'A\' OR 1=1'`,
		"dollar quote":       "SELECT $$x$$ FROM rooms",
		"placeholder":        "SELECT room_id FROM rooms WHERE room_id = $1",
		"question mark":      "SELECT room_id FROM rooms WHERE room_id = ?",
		"escape string":      "SELECT room_id FROM rooms WHERE status = E'x'",
	}
	for name, sql := range cases {
		t.Run(name, func(t *testing.T) {
			verdict := Validate(nl2sql.CandidateSQL{SQL: sql}, allowed)
			if verdict.Valid || !hasCheck(verdict, CheckInjection) {
				t.Fatalf("Validate(%q) = %#v", sql, verdict.Violations)
			}
		})
	}
}

func TestValidateSeparatorsInsideStringsAreLiteral(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "admin"})
	verdict := Validate(nl2sql.CandidateSQL{SQL: "SELECT announcement_id FROM announcements WHERE title = 'a; b -- c /* d */'"}, allowed)
	if !verdict.Valid {
		t.Fatalf("Validate() rejected: %v", verdict.Reasons())
	}
}

func TestValidateColumnExistence(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "basic"})
	cases := []struct {
		sql    string
		reason string
	}{
		{sql: "SELECT rent FROM rooms", reason: `column "rent" does not exist on any referenced table`},
		{sql: "SELECT r.rent FROM rooms r", reason: "column rooms.rent does not exist"},
		{sql: "SELECT x.room_id FROM rooms r", reason: `unknown table or alias "x"`},
		{sql: "SELECT building_id FROM rooms r JOIN buildings b ON b.building_id = r.building_id", reason: `column "building_id" is ambiguous`},
	}
	for _, tc := range cases {
		verdict := Validate(nl2sql.CandidateSQL{SQL: tc.sql}, allowed)
		if verdict.Valid {
			t.Fatalf("Validate(%q) accepted", tc.sql)
		}
		found := false
		for _, violation := range verdict.Violations {
			if violation.Check == CheckColumns && violation.Reason == tc.reason {
				found = true
			}
		}
		if !found {
			t.Fatalf("Validate(%q) = %v, want %q", tc.sql, verdict.Reasons(), tc.reason)
		}
	}
}

func TestValidateDeclaredColumnsAreChecked(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "basic"})
	verdict := Validate(nl2sql.CandidateSQL{
		SQL:     "SELECT room_id FROM rooms",
		Columns: []string{"rooms.room_id", "rooms.monthly_rent"},
	}, allowed)
	if verdict.Valid || verdict.Checks()[0] != CheckColumns {
		t.Fatalf("verdict = %v", verdict.Reasons())
	}
}

func TestValidateAcceptsCommonShapes(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "manager"})
	statements := []string{
		"SELECT building_id FROM rooms JOIN buildings USING (building_id)",
		"SELECT status, COUNT(*) AS n FROM rooms GROUP BY status ORDER BY n DESC",
		"SELECT room_id FROM rooms WHERE building_id IN (SELECT building_id FROM buildings WHERE wifi_included = true)",
		"SELECT b.building_name FROM buildings b WHERE EXISTS (SELECT 1 FROM rooms r WHERE r.building_id = b.building_id AND r.status = 'AVAILABLE')",
		"SELECT t.tenant_name, t.lease_end_date FROM tenants t WHERE CAST(t.monthly_rent AS INTEGER) > 1000 AND t.created_at > CURRENT_DATE - INTERVAL '30 days'",
		"SELECT x.area, x.total FROM (SELECT area, SUM(total_rooms) AS total FROM buildings GROUP BY area) x",
		"SELECT room_id FROM rooms UNION SELECT room_id FROM tenants",
		"SELECT EXTRACT(YEAR FROM created_at) AS y, COUNT(*) FROM leads GROUP BY 1",
		"SELECT CASE WHEN status = 'AVAILABLE' THEN 1 ELSE 0 END AS free FROM rooms",
		"SELECT private_room_rent::numeric FROM public.rooms",
		"INSERT INTO tenants (tenant_id, tenant_name, tenant_email, room_id, building_id, lease_start_date, lease_end_date, status, payment_status, monthly_rent) VALUES ('T1', 'Ann', 'ann@example.com', 'R1', 'B1', '2025-01-01', '2025-12-31', 'ACTIVE', 'CURRENT', 1100)",
		"UPDATE rooms SET status = 'OCCUPIED' WHERE room_id = 'R1' RETURNING room_id, status",
		"DELETE FROM scheduled_events WHERE status = 'CANCELLED'",
	}
	for _, sql := range statements {
		verdict := Validate(nl2sql.CandidateSQL{SQL: sql}, allowed)
		if !verdict.Valid {
			t.Fatalf("Validate(%q) rejected: %v", sql, verdict.Reasons())
		}
	}
}

func TestValidateFailsClosedOnUnsupportedForms(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "admin"})
	statements := []string{
		"WITH r AS (SELECT * FROM rooms) SELECT * FROM r",
		"SELECT room_id FROM rooms r JOIN rooms r ON r.room_id = r.room_id",
		"SELECT room_id FROM rooms NATURAL JOIN buildings",
		"INSERT INTO leads (lead_id, email) VALUES ('L1', 'a@b.c') ON CONFLICT DO NOTHING",
		"DROP TABLE rooms",
		"SELECT pg_sleep(10) FROM rooms",
		"SELECT setval('rooms_id_seq', 1) AS n FROM rooms",
		"SELECT nextval('rooms_id_seq') AS n FROM rooms",
		"SELECT pg_advisory_lock(1) AS n FROM rooms",
		"SELECT lo_unlink(1) AS n FROM rooms",
		"SELECT pg_notify('c', 'x') AS n FROM rooms",
		"SELECT current_database() AS building_name FROM rooms",
		"SELECT pg_catalog.setval('rooms_id_seq', 1) FROM rooms",
		"SELECT generate_series(1, 1000000000) AS n",
		"SELECT 1 AS n",
		"SELECT * FROM read_parquet('s3://bucket/x.parquet')",
		"SELECT room_id FROM other.rooms",
		"SELECT room_id INTO copy FROM rooms",
		"UPDATE rooms SET status = 'X' FROM buildings WHERE rooms.building_id = buildings.building_id",
		"",
	}
	for _, sql := range statements {
		verdict := Validate(nl2sql.CandidateSQL{SQL: sql}, allowed)
		if verdict.Valid {
			t.Fatalf("Validate(%q) accepted", sql)
		}
	}
}

func TestValidateRejectsFunctionsOutsideAllowList(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "basic"})
	for _, sql := range []string{
		"SELECT setval('rooms_id_seq', 1) AS n FROM rooms",
		"SELECT room_id FROM rooms WHERE pg_advisory_lock(1) IS NOT NULL",
		"SELECT current_database() AS building_name FROM rooms",
	} {
		verdict := Validate(nl2sql.CandidateSQL{SQL: sql, Tables: []string{"rooms"}}, allowed)
		if verdict.Valid || !hasCheck(verdict, CheckOperation) {
			t.Fatalf("Validate(%q) = %v, want an operation_permission rejection", sql, verdict.Reasons())
		}
	}
}

func TestValidateRejectsStatementsWithoutTables(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "admin"})
	verdict := Validate(nl2sql.CandidateSQL{SQL: "SELECT generate_series(1, 1000000000) AS n", Tables: []string{"rooms"}}, allowed)
	if verdict.Valid {
		t.Fatalf("expected rejection")
	}
	if !strings.Contains(strings.Join(verdict.Reasons(), "\n"), "table_permission: statement references no tables") {
		t.Fatalf("reasons = %v", verdict.Reasons())
	}
}

func TestValidateAcceptsAllowedFunctions(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "manager"})
	for _, sql := range []string{
		"SELECT ROUND(AVG(private_room_rent), 2) AS avg_rent FROM rooms",
		"SELECT COALESCE(phone, email) AS contact FROM leads",
		"SELECT date_trunc('month', created_at) AS m, COUNT(*) AS n FROM leads GROUP BY 1",
		"SELECT room_id, ROW_NUMBER() OVER (ORDER BY private_room_rent) AS pos FROM rooms",
	} {
		verdict := Validate(nl2sql.CandidateSQL{SQL: sql}, allowed)
		if !verdict.Valid {
			t.Fatalf("Validate(%q) rejected: %v", sql, verdict.Reasons())
		}
	}
}

func TestValidateDeclaredOperationMismatch(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "admin"})
	verdict := Validate(nl2sql.CandidateSQL{SQL: "SELECT room_id FROM rooms", Operation: schema.OpDelete}, allowed)
	if verdict.Valid || verdict.Checks()[0] != CheckShape {
		t.Fatalf("verdict = %v", verdict.Reasons())
	}
}

func TestValidateTableOperationWhitelist(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "manager"})
	verdict := Validate(nl2sql.CandidateSQL{SQL: "DELETE FROM rooms WHERE room_id = 'R1'"}, allowed)
	if verdict.Valid {
		t.Fatalf("expected rejection")
	}
	if verdict.Violations[0].Reason != "operation DELETE is not permitted on table rooms" {
		t.Fatalf("reasons = %v", verdict.Reasons())
	}
}

func TestValidateReadOnlyTag(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "admin", Permissions: []string{"readonly"}})
	verdict := Validate(nl2sql.CandidateSQL{SQL: "UPDATE rooms SET status = 'OCCUPIED' WHERE room_id = 'R1'"}, allowed)
	if verdict.Valid || verdict.Checks()[0] != CheckOperation {
		t.Fatalf("verdict = %v", verdict.Reasons())
	}
}

func TestValidateUnknownRoleGetsNothing(t *testing.T) {
	verdict := Validate(nl2sql.CandidateSQL{SQL: "SELECT room_id FROM rooms"}, permission.AllowedSchema{})
	if verdict.Valid {
		t.Fatalf("empty schema must reject everything")
	}
	if !hasCheck(verdict, CheckOperation) || !hasCheck(verdict, CheckTables) {
		t.Fatalf("checks = %#v", verdict.Checks())
	}
}

func TestValidateRowScope(t *testing.T) {
	agent := allowedFor(t, permission.UserContext{Role: "agent", UserID: "7"})
	cases := []struct {
		name  string
		sql   string
		valid bool
	}{
		{name: "scoped update", sql: "UPDATE leads SET status = 'LOST' WHERE lead_id = 'L1' AND assigned_operator_id = 7", valid: true},
		{name: "qualified scope", sql: "UPDATE leads l SET status = 'LOST' WHERE l.assigned_operator_id = 7", valid: true},
		{name: "missing where", sql: "UPDATE leads SET status = 'LOST'", valid: false},
		{name: "missing scope", sql: "UPDATE leads SET status = 'LOST' WHERE lead_id = 'L1'", valid: false},
		{name: "other identity", sql: "UPDATE leads SET status = 'LOST' WHERE assigned_operator_id = 8", valid: false},
		{name: "or escape", sql: "UPDATE leads SET status = 'LOST' WHERE assigned_operator_id = 7 OR 1 = 1", valid: false},
		{name: "reassign", sql: "UPDATE leads SET assigned_operator_id = 9 WHERE assigned_operator_id = 7", valid: false},
		{name: "unscoped insert allowed", sql: "INSERT INTO leads (lead_id, email, interaction_count) VALUES ('L9', 'x@y.z', 0)", valid: true},
		{name: "scoped insert", sql: "INSERT INTO scheduled_events (event_id, event_type, title, operator_id, scheduled_date, start_time, status) VALUES ('E1', 'TOUR', 'Tour', 7, '2025-01-01', '10:00', 'SCHEDULED')", valid: true},
		{name: "insert for someone else", sql: "INSERT INTO scheduled_events (event_id, event_type, title, operator_id, scheduled_date, start_time, status) VALUES ('E1', 'TOUR', 'Tour', 8, '2025-01-01', '10:00', 'SCHEDULED')", valid: false},
		{name: "insert without scope column", sql: "INSERT INTO scheduled_events (event_id, event_type, title, scheduled_date, start_time, status) VALUES ('E1', 'TOUR', 'Tour', '2025-01-01', '10:00', 'SCHEDULED')", valid: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := Validate(nl2sql.CandidateSQL{SQL: tc.sql}, agent)
			if verdict.Valid != tc.valid {
				t.Fatalf("Validate(%q) valid = %v, reasons %v", tc.sql, verdict.Valid, verdict.Reasons())
			}
			if !tc.valid && !hasCheck(verdict, CheckRowScope) {
				t.Fatalf("Validate(%q) checks = %#v", tc.sql, verdict.Checks())
			}
		})
	}

	anonymous := allowedFor(t, permission.UserContext{Role: "agent"})
	verdict := Validate(nl2sql.CandidateSQL{SQL: "UPDATE leads SET status = 'LOST' WHERE assigned_operator_id = 7"}, anonymous)
	if verdict.Valid || !hasCheck(verdict, CheckRowScope) {
		t.Fatalf("missing identity must reject: %v", verdict.Reasons())
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	allowed := allowedFor(t, permission.UserContext{Role: "basic"})
	inputs := []nl2sql.CandidateSQL{
		{SQL: "SELECT room_id FROM rooms WHERE status = 'AVAILABLE'"},
		{SQL: "DELETE FROM tenants; SELECT 1", Tables: []string{"tenants"}},
		{SQL: "SELECT nope, r.missing FROM rooms r JOIN leads l ON l.lead_id = r.room_id"},
	}
	for _, candidate := range inputs {
		first := Validate(candidate, allowed)
		second := Validate(candidate, allowed)
		if first.Valid != second.Valid || !reflect.DeepEqual(first.Violations, second.Violations) {
			t.Fatalf("Validate(%q) not stable: %v vs %v", candidate.SQL, first.Reasons(), second.Reasons())
		}
	}
}

func TestValidatedTablesAreAlwaysAllowed(t *testing.T) {
	snap := defaultSnapshot(t)
	statements := []string{
		"SELECT room_id FROM rooms",
		"SELECT t.tenant_name FROM tenants t",
		"SELECT l.email FROM leads l JOIN rooms r ON r.room_id = l.lead_id",
		"SELECT slot_id FROM tour_availability_slots",
		"UPDATE buildings SET available = false WHERE building_id = 'B1'",
		"SELECT o.name FROM operators o WHERE o.operator_id IN (SELECT operator_id FROM buildings)",
	}
	for _, role := range snap.Roles() {
		allowed, err := permission.ResolveSnapshot(snap, permission.UserContext{Role: role, UserID: "1"})
		if err != nil {
			t.Fatalf("ResolveSnapshot(%s) error = %v", role, err)
		}
		for _, sql := range statements {
			verdict := Validate(nl2sql.CandidateSQL{SQL: sql}, allowed)
			if !verdict.Valid {
				continue
			}
			for _, table := range verdict.Statement.Tables() {
				profile, _ := snap.Profile(role)
				if !profile.AllowsTable(table) {
					t.Fatalf("role %s accepted %q touching %s", role, sql, table)
				}
			}
			if !allowed.Allows(verdict.Statement.Operation) {
				t.Fatalf("role %s accepted %q with operation %s", role, sql, verdict.Statement.Operation)
			}
		}
	}
}

func hasCheck(verdict Verdict, check Check) bool {
	for _, candidate := range verdict.Checks() {
		if candidate == check {
			return true
		}
	}
	return false
}

func defaultSnapshot(t *testing.T) *schema.Snapshot {
	t.Helper()
	doc, err := schema.DefaultDocument()
	if err != nil {
		t.Fatalf("DefaultDocument() error = %v", err)
	}
	snap, err := schema.NewSnapshot(doc, 1, time.Now())
	if err != nil {
		t.Fatalf("NewSnapshot() error = %v", err)
	}
	return snap
}

func allowedFor(t *testing.T, user permission.UserContext) permission.AllowedSchema {
	t.Helper()
	allowed, err := permission.ResolveSnapshot(defaultSnapshot(t), user)
	if err != nil {
		t.Fatalf("ResolveSnapshot() error = %v", err)
	}
	return allowed
}

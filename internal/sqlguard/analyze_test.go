package sqlguard

import (
	"reflect"
	"testing"

	"github.com/querygate/querygate/internal/schema"
)

func TestAnalyzeOperationAndTables(t *testing.T) {
	cases := []struct {
		sql     string
		op      schema.Operation
		tables  []string
		primary string
	}{
		{sql: "select * from Rooms", op: schema.OpSelect, tables: []string{"rooms"}, primary: "rooms"},
		{sql: `SELECT r.room_id FROM "rooms" r LEFT OUTER JOIN buildings b ON b.building_id = r.building_id`, op: schema.OpSelect, tables: []string{"buildings", "rooms"}, primary: "rooms"},
		{sql: "INSERT INTO leads (lead_id) VALUES ('L1')", op: schema.OpInsert, tables: []string{"leads"}, primary: "leads"},
		{sql: "UPDATE rooms SET status = 'OCCUPIED' WHERE room_id IN (SELECT room_id FROM tenants)", op: schema.OpUpdate, tables: []string{"rooms", "tenants"}, primary: "rooms"},
		{sql: "DELETE FROM scheduled_events WHERE event_id = 'E1'", op: schema.OpDelete, tables: []string{"scheduled_events"}, primary: "scheduled_events"},
	}
	for _, tc := range cases {
		stmt, problems := Analyze(tc.sql)
		if len(problems) > 0 {
			t.Fatalf("Analyze(%q) problems = %v", tc.sql, problems)
		}
		if stmt.Operation != tc.op {
			t.Fatalf("Analyze(%q) operation = %q", tc.sql, stmt.Operation)
		}
		if got := stmt.Tables(); !reflect.DeepEqual(got, tc.tables) {
			t.Fatalf("Analyze(%q) tables = %#v", tc.sql, got)
		}
		if got := stmt.PrimaryTable(); got != tc.primary {
			t.Fatalf("Analyze(%q) primary = %q", tc.sql, got)
		}
	}
}

func TestAnalyzeWhereEqualities(t *testing.T) {
	stmt, problems := Analyze("UPDATE leads AS l SET status = 'LOST' WHERE l.assigned_operator_id = 7 AND (lead_id = 'L1' AND interaction_count BETWEEN 1 AND 5)")
	if len(problems) > 0 {
		t.Fatalf("Analyze() problems = %v", problems)
	}
	want := []Equality{
		{Qualifier: "l", Column: "assigned_operator_id", Value: Value{Literal: "7", IsLiteral: true}},
		{Column: "lead_id", Value: Value{Literal: "L1", IsLiteral: true}},
	}
	if !reflect.DeepEqual(stmt.Where.Equalities, want) {
		t.Fatalf("equalities = %#v", stmt.Where.Equalities)
	}
	if stmt.TargetName() != "l" {
		t.Fatalf("target name = %q", stmt.TargetName())
	}
	if !reflect.DeepEqual(stmt.Assignments, []Assignment{{Column: "status", Value: Value{Literal: "LOST", IsLiteral: true}}}) {
		t.Fatalf("assignments = %#v", stmt.Assignments)
	}

	stmt, _ = Analyze("DELETE FROM leads WHERE lead_id = 'L1' OR email = 'x'")
	if !stmt.Where.TopLevelOr || len(stmt.Where.Equalities) != 0 {
		t.Fatalf("where = %#v", stmt.Where)
	}
}

func TestAnalyzeInsertRows(t *testing.T) {
	stmt, problems := Analyze("INSERT INTO scheduled_events (event_id, operator_id, title) VALUES ('E1', 7, 'Tour'), ('E2', 7, UPPER('x'))")
	if len(problems) > 0 {
		t.Fatalf("Analyze() problems = %v", problems)
	}
	if !reflect.DeepEqual(stmt.InsertColumns, []string{"event_id", "operator_id", "title"}) {
		t.Fatalf("columns = %#v", stmt.InsertColumns)
	}
	if len(stmt.InsertRows) != 2 || stmt.InsertRows[1][2].IsLiteral || stmt.InsertRows[0][1].Literal != "7" {
		t.Fatalf("rows = %#v", stmt.InsertRows)
	}

	_, problems = Analyze("INSERT INTO leads (lead_id, email) VALUES ('L1')")
	if len(problems) != 1 || problems[0].Check != CheckShape {
		t.Fatalf("arity problems = %v", problems)
	}
}

func TestAnalyzeAggregates(t *testing.T) {
	cases := map[string]bool{
		"SELECT COUNT(*) FROM rooms":                                       true,
		"SELECT status, AVG(private_room_rent) FROM rooms GROUP BY status": true,
		"SELECT room_id FROM rooms":                                        false,
		"SELECT room_id FROM rooms WHERE private_room_rent < (SELECT AVG(private_room_rent) FROM rooms)": false,
	}
	for sql, want := range cases {
		stmt, problems := Analyze(sql)
		if len(problems) > 0 {
			t.Fatalf("Analyze(%q) problems = %v", sql, problems)
		}
		if stmt.HasAggregate() != want {
			t.Fatalf("Analyze(%q).HasAggregate() = %v", sql, !want)
		}
	}
}

func TestOutputsExpandStarsAndNameExpressions(t *testing.T) {
	snap := defaultSnapshot(t)
	stmt, problems := Analyze("SELECT b.*, r.room_id AS id, COUNT(*) OVER (), LOWER(r.status), 1 + 1 FROM buildings b JOIN rooms r ON r.building_id = b.building_id")
	if len(problems) > 0 {
		t.Fatalf("Analyze() problems = %v", problems)
	}
	outputs := stmt.Outputs(snap.Table)
	buildings, _ := snap.Table("buildings")
	if len(outputs) != len(buildings.Columns)+4 {
		t.Fatalf("outputs = %#v", outputs)
	}
	if outputs[0].Table != "buildings" || outputs[0].Name != "building_id" {
		t.Fatalf("first output = %#v", outputs[0])
	}
	tail := outputs[len(buildings.Columns):]
	want := []Output{
		{Name: "id", Table: "rooms", Column: "room_id", Alias: true},
		{Name: "count", Aggregate: true},
		{Name: "lower"},
		{Name: "?column?"},
	}
	if !reflect.DeepEqual(tail, want) {
		t.Fatalf("outputs tail = %#v", tail)
	}
}

func TestOutputsForReturning(t *testing.T) {
	snap := defaultSnapshot(t)
	stmt, problems := Analyze("DELETE FROM scheduled_events WHERE event_id = 'E1' RETURNING event_id, status")
	if len(problems) > 0 {
		t.Fatalf("Analyze() problems = %v", problems)
	}
	outputs := stmt.Outputs(snap.Table)
	if len(outputs) != 2 || outputs[1].Table != "scheduled_events" || outputs[1].Column != "status" {
		t.Fatalf("outputs = %#v", outputs)
	}
}

func TestResolveCollectsColumnUses(t *testing.T) {
	snap := defaultSnapshot(t)
	stmt, _ := Analyze("SELECT r.room_id FROM rooms r JOIN buildings b USING (building_id) WHERE wifi_included = true")
	res := stmt.Resolve(snap.Table)
	if len(res.Violations) > 0 {
		t.Fatalf("violations = %v", res.Violations)
	}
	want := []ColumnUse{
		{Table: "buildings", Column: "building_id"},
		{Table: "buildings", Column: "wifi_included"},
		{Table: "rooms", Column: "room_id"},
	}
	if !reflect.DeepEqual(res.Columns, want) {
		t.Fatalf("columns = %#v", res.Columns)
	}

	stmt, _ = Analyze("SELECT room_id FROM rooms JOIN mystery ON mystery.x = rooms.room_id")
	res = stmt.Resolve(snap.Table)
	if !reflect.DeepEqual(res.MissingTables, []string{"mystery"}) {
		t.Fatalf("missing = %#v", res.MissingTables)
	}
}

func TestLexQuotedIdentifiersAndEscapes(t *testing.T) {
	tokens, hazards := lex(`SELECT "Room ID", 'it''s' FROM rooms WHERE a::text <> 'x' AND b ->> 'k' = '1'`)
	if len(hazards) > 0 {
		t.Fatalf("hazards = %v", hazards)
	}
	if tokens[1].kind != tokQuotedIdent || tokens[1].value != "room id" {
		t.Fatalf("quoted identifier = %#v", tokens[1])
	}
	if tokens[3].kind != tokString || tokens[3].value != "it's" {
		t.Fatalf("string = %#v", tokens[3])
	}
	var ops []string
	for _, tok := range tokens {
		if tok.kind == tokOperator {
			ops = append(ops, tok.text)
		}
	}
	if !reflect.DeepEqual(ops, []string{"::", "<>", "->>", "="}) {
		t.Fatalf("operators = %#v", ops)
	}
}

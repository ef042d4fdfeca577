package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/querygate/querygate/internal/permission"
	"github.com/querygate/querygate/internal/schema"
	"github.com/querygate/querygate/internal/sqlguard"
	"github.com/querygate/querygate/internal/verify"
)

const (
	ResultTypeAnalytics = "analytics"
	ResultTypeGeneric   = "generic"
	ResultTypeError     = "error"
)

type QueryRequest struct {
	Query       string
	UserContext permission.UserContext
}

type Metadata struct {
	SQLQuery      string   `json:"sql_query"`
	RowCount      int      `json:"row_count"`
	ExecutionTime float64  `json:"execution_time"`
	TablesUsed    []string `json:"tables_used"`
	ResultType    string   `json:"result_type"`
	RequestID     string   `json:"request_id"`
	Columns       []string `json:"columns,omitempty"`
	QueryType     string   `json:"query_type,omitempty"`
	Explanation   string   `json:"explanation,omitempty"`
	RowsAffected  int64    `json:"rows_affected,omitempty"`
}

// Envelope is the uniform response for one query. Data is always non-nil and
// empty whenever Success is false.
type Envelope struct {
	Success  bool             `json:"success"`
	Data     []map[string]any `json:"data"`
	Message  string           `json:"message"`
	Metadata Metadata         `json:"metadata"`
	Errors   []string         `json:"errors"`
	Warnings []string         `json:"warnings"`

	// Kind is empty on success.
	Kind Kind `json:"-"`
}

// Preview is the outcome of generating and validating a query without
// executing it.
type Preview struct {
	Valid         bool     `json:"valid"`
	SQLPreview    string   `json:"sql_preview"`
	EstimatedRows int      `json:"estimated_rows"`
	QueryType     string   `json:"query_type"`
	Explanation   string   `json:"explanation"`
	TablesUsed    []string `json:"tables_used"`
	Errors        []string `json:"errors,omitempty"`
	Suggestions   []string `json:"suggestions,omitempty"`

	Kind Kind `json:"-"`
}

type StatisticsReport struct {
	Success    bool             `json:"success"`
	Statistics map[string]int64 `json:"statistics"`
	Message    string           `json:"message"`
}

// failureEnvelope never carries data, whatever stage failed.
func failureEnvelope(err *Error, meta Metadata) Envelope {
	reasons := append([]string(nil), err.Reasons...)
	if len(reasons) == 0 {
		reasons = []string{string(err.Kind)}
	}
	meta.ResultType = ResultTypeError
	if meta.TablesUsed == nil {
		meta.TablesUsed = []string{}
	}
	return Envelope{
		Success:  false,
		Data:     []map[string]any{},
		Message:  err.Kind.Message(),
		Metadata: meta,
		Errors:   reasons,
		Warnings: []string{},
		Kind:     err.Kind,
	}
}

func successEnvelope(text string, stmt *sqlguard.Statement, snap *schema.Snapshot, verified verify.VerifiedResult, rowsAffected int64, meta Metadata) Envelope {
	data := verified.Records()
	meta.Columns = verified.Columns
	meta.ResultType = classifyResult(stmt, snap)
	meta.RowCount = len(data)
	if stmt.Operation.Mutating() && !stmt.Returning {
		meta.RowCount = int(rowsAffected)
	}
	if stmt.Operation.Mutating() {
		meta.RowsAffected = rowsAffected
	}
	if meta.TablesUsed == nil {
		meta.TablesUsed = []string{}
	}

	message := readMessage(text, meta.ResultType, len(data))
	if stmt.Operation.Mutating() {
		message = writeMessage(stmt.Operation, stmt.PrimaryTable(), rowsAffected)
	}
	return Envelope{
		Success:  true,
		Data:     data,
		Message:  message,
		Metadata: meta,
		Errors:   []string{},
		Warnings: verified.Warnings(),
	}
}

// classifyResult labels aggregate results as analytics and everything else
// by the category of the table the statement is about.
func classifyResult(stmt *sqlguard.Statement, snap *schema.Snapshot) string {
	if stmt == nil {
		return ResultTypeGeneric
	}
	if stmt.HasAggregate() {
		return ResultTypeAnalytics
	}
	if snap != nil {
		if table, ok := snap.Table(stmt.PrimaryTable()); ok && table.Category != "" {
			return table.Category
		}
	}
	return ResultTypeGeneric
}

func readMessage(text, resultType string, count int) string {
	if count == 0 {
		return fmt.Sprintf("No results found for '%s'. Try adjusting your search criteria.", strings.TrimSpace(text))
	}
	switch resultType {
	case "property_search":
		return fmt.Sprintf("Found %d %s matching your criteria.", count, plural(count, "property", "properties"))
	case ResultTypeAnalytics:
		return fmt.Sprintf("Generated report with %d data %s.", count, plural(count, "point", "points"))
	case "tenant_management":
		return fmt.Sprintf("Found %d %s matching your criteria.", count, plural(count, "tenant", "tenants"))
	case "lead_management":
		return fmt.Sprintf("Retrieved %d %s from the system.", count, plural(count, "lead", "leads"))
	case "maintenance":
		return fmt.Sprintf("Found %d maintenance %s.", count, plural(count, "request", "requests"))
	case "tour_scheduling":
		return fmt.Sprintf("Found %d scheduled %s.", count, plural(count, "event", "events"))
	default:
		return fmt.Sprintf("Retrieved %d %s for your query.", count, plural(count, "result", "results"))
	}
}

func writeMessage(op schema.Operation, table string, affected int64) string {
	verb := map[schema.Operation]string{
		schema.OpInsert: "inserted",
		schema.OpUpdate: "updated",
		schema.OpDelete: "deleted",
	}[op]
	if affected == 0 {
		return fmt.Sprintf("No records were %s (no matching records found)", verb)
	}
	return fmt.Sprintf("Successfully %s %d %s in %s", verb, affected, plural(int(affected), "record", "records"), table)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func seconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1e6
}

package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/querygate/querygate/internal/permission"
	"github.com/querygate/querygate/internal/schema"
)

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAIGenerator asks an OpenAI-compatible chat completion endpoint for a
// candidate statement.
type OpenAIGenerator struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-5"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenAIGenerator{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, text string, allowed permission.AllowedSchema) (CandidateSQL, error) {
	return g.complete(ctx, text, allowed, nil)
}

// Regenerate asks for a corrected statement, quoting the rejected one and the
// reasons it was rejected.
func (g *OpenAIGenerator) Regenerate(ctx context.Context, text string, allowed permission.AllowedSchema, rejected CandidateSQL, feedback []string) (CandidateSQL, error) {
	return g.complete(ctx, text, allowed, &correction{SQL: rejected.SQL, Reasons: feedback})
}

type correction struct {
	SQL     string
	Reasons []string
}

func (g *OpenAIGenerator) complete(ctx context.Context, text string, allowed permission.AllowedSchema, fix *correction) (CandidateSQL, error) {
	if allowed.Empty() {
		return CandidateSQL{}, fmt.Errorf("generate: %w", ErrNoTables)
	}
	promptPayload, err := buildOpenAIPayload(g.model, g.temperature, text, allowed, fix)
	if err != nil {
		return CandidateSQL{}, err
	}
	body, err := json.Marshal(promptPayload)
	if err != nil {
		return CandidateSQL{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return CandidateSQL{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return CandidateSQL{}, fmt.Errorf("request chat completion: %w", ctx.Err())
		}
		return CandidateSQL{}, fmt.Errorf("request chat completion: %w: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CandidateSQL{}, fmt.Errorf("read chat response body: %w: %w", ErrUnavailable, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return CandidateSQL{}, fmt.Errorf("chat completion failed status=%d: %w", resp.StatusCode, ErrUnavailable)
	}
	if resp.StatusCode >= 400 {
		return CandidateSQL{}, fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, truncate(string(rawRespBody), 256))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return CandidateSQL{}, fmt.Errorf("decode chat completion response: %w: %w", ErrUnparseable, err)
	}
	if len(parsed.Choices) == 0 {
		return CandidateSQL{}, fmt.Errorf("empty chat completion choices: %w", ErrEmptyResponse)
	}
	return ParseCandidate(parsed.Choices[0].Message.Content)
}

type promptColumn struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	Nullable      bool     `json:"nullable"`
	AllowedValues []string `json:"allowed_values,omitempty"`
}

type promptTable struct {
	Name       string             `json:"table_name"`
	Operations []schema.Operation `json:"allowed_operations"`
	Columns    []promptColumn     `json:"columns"`
}

type promptScope struct {
	Table      string             `json:"table"`
	Column     string             `json:"column"`
	Operations []schema.Operation `json:"operations,omitempty"`
	Value      string             `json:"required_value"`
}

// promptContext renders only what the caller may see.
func promptContext(allowed permission.AllowedSchema) ([]promptTable, []promptScope) {
	tables := make([]promptTable, 0, len(allowed.Tables))
	for _, name := range allowed.TableNames() {
		table, _ := allowed.Table(name)
		pt := promptTable{Name: table.Name, Operations: allowed.TableOperations(name)}
		for _, column := range table.Columns {
			pt.Columns = append(pt.Columns, promptColumn{
				Name:          column.Name,
				Type:          column.Type,
				Nullable:      column.Nullable,
				AllowedValues: column.AllowedValues,
			})
		}
		tables = append(tables, pt)
	}
	scopes := make([]promptScope, 0, len(allowed.RowScopes))
	for _, scope := range allowed.RowScopes {
		scopes = append(scopes, promptScope{
			Table:      scope.Table,
			Column:     scope.Column,
			Operations: scope.Operations,
			Value:      allowed.Subject,
		})
	}
	return tables, scopes
}

func buildOpenAIPayload(model string, temperature float64, text string, allowed permission.AllowedSchema, fix *correction) (map[string]any, error) {
	tables, scopes := promptContext(allowed)
	tablesJSON, err := json.Marshal(tables)
	if err != nil {
		return nil, fmt.Errorf("marshal table context: %w", err)
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return nil, fmt.Errorf("marshal row scope context: %w", err)
	}
	systemPrompt := "You convert natural language requests into exactly one PostgreSQL statement. " +
		"You may only use the tables, columns and operations listed in the schema you are given. " +
		"If the request cannot be answered with them, say so in the explanation and return an empty sql field. " +
		"Respond with a single JSON object and nothing else."
	userPrompt := fmt.Sprintf(
		"Role: %s\nAllowed schema (JSON):\n%s\n\nRow scope rules (JSON):\n%s\n\nUser request:\n%s\n\n"+
			"Rules:\n"+
			"- Use only listed tables and columns. Never invent a column.\n"+
			"- Use only each table's allowed_operations.\n"+
			"- Use exact allowed_values for enumerated columns.\n"+
			"- A mutation on a row scoped table must filter or set the scoped column to required_value.\n"+
			"- No comments, no semicolons, no CTEs.\n"+
			"- Qualify columns with a table alias when joining.\n"+
			"- Add LIMIT 200 to SELECT statements unless the user asks otherwise.\n\n"+
			"Response format:\n"+
			`{"sql": "...", "explanation": "...", "estimated_rows": 0, "tables_used": ["..."], "columns_used": ["table.column"], "query_type": "SELECT|INSERT|UPDATE|DELETE"}`,
		allowed.Role,
		string(tablesJSON),
		string(scopesJSON),
		strings.TrimSpace(text),
	)
	if fix != nil {
		var b strings.Builder
		b.WriteString("\n\nYour previous statement was rejected:\n")
		b.WriteString(strings.TrimSpace(fix.SQL))
		b.WriteString("\n\nReasons:\n")
		for _, reason := range fix.Reasons {
			b.WriteString("- ")
			b.WriteString(reason)
			b.WriteString("\n")
		}
		b.WriteString("\nReturn a corrected statement that fixes every reason and still uses only the allowed schema.")
		userPrompt += b.String()
	}

	return map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature":     temperature,
		"response_format": map[string]string{"type": "json_object"},
	}, nil
}

var (
	leadingStatement = regexp.MustCompile(`(?is)^\s*(select|insert|update|delete)\b`)
	tableReference   = regexp.MustCompile(`(?i)\b(?:from|join|into|update)\s+("?[a-z_][a-z0-9_]*"?)`)
)

// ParseCandidate decodes model output. JSON is preferred; a bare statement is
// accepted and its tables are read off the FROM, JOIN, INTO and UPDATE
// clauses.
func ParseCandidate(content string) (CandidateSQL, error) {
	trimmed := stripMarkdown(content)
	if trimmed == "" {
		return CandidateSQL{}, ErrEmptyResponse
	}

	var candidate CandidateSQL
	if object, ok := extractObject(trimmed); ok {
		var raw struct {
			SQL           string   `json:"sql"`
			Explanation   string   `json:"explanation"`
			EstimatedRows int      `json:"estimated_rows"`
			TablesUsed    []string `json:"tables_used"`
			ColumnsUsed   []string `json:"columns_used"`
			QueryType     string   `json:"query_type"`
		}
		if err := json.Unmarshal([]byte(object), &raw); err != nil {
			return CandidateSQL{}, fmt.Errorf("decode candidate: %w: %w", ErrUnparseable, err)
		}
		candidate = CandidateSQL{
			SQL:           stripMarkdown(raw.SQL),
			Explanation:   strings.TrimSpace(raw.Explanation),
			EstimatedRows: raw.EstimatedRows,
			Tables:        normalizeNames(raw.TablesUsed),
			Columns:       normalizeNames(raw.ColumnsUsed),
		}
		if op, ok := schema.ParseOperation(raw.QueryType); ok {
			candidate.Operation = op
		}
	} else if leadingStatement.MatchString(trimmed) {
		candidate = CandidateSQL{SQL: trimmed}
	} else {
		return CandidateSQL{}, ErrUnparseable
	}

	if strings.TrimSpace(candidate.SQL) == "" {
		return CandidateSQL{}, ErrEmptyResponse
	}
	if candidate.Operation == "" {
		if match := leadingStatement.FindStringSubmatch(candidate.SQL); match != nil {
			candidate.Operation, _ = schema.ParseOperation(match[1])
		}
	}
	if len(candidate.Tables) == 0 {
		candidate.Tables = referencedTables(candidate.SQL)
	}
	if len(candidate.Tables) == 0 {
		return CandidateSQL{}, ErrNoTables
	}
	if candidate.EstimatedRows < 0 {
		candidate.EstimatedRows = 0
	}
	return candidate, nil
}

func referencedTables(sql string) []string {
	var names []string
	seen := map[string]struct{}{}
	for _, match := range tableReference.FindAllStringSubmatch(sql, -1) {
		name := strings.ToLower(strings.Trim(match[1], `"`))
		if name == "select" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

func extractObject(value string) (string, bool) {
	start := strings.Index(value, "{")
	end := strings.LastIndex(value, "}")
	if start < 0 || end <= start {
		return "", false
	}
	if start > 0 && leadingStatement.MatchString(value) {
		return "", false
	}
	return value[start : end+1], true
}

func normalizeNames(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}

func stripMarkdown(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 && !strings.ContainsAny(trimmed[:newline], " {") {
			trimmed = trimmed[newline+1:]
		}
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}

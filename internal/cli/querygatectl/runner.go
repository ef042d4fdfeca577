package querygatectl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Role       string
	UserID     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// exitError carries a non-usage failure; anything else cobra returns is a
// usage error.
type exitError struct {
	err error
}

func (e *exitError) Error() string { return e.err.Error() }

type client struct {
	baseURL    string
	apiKey     string
	role       string
	userID     string
	jsonOutput bool
	http       *http.Client
	stdout     io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	root := NewRootCommand(defaults)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exit *exitError
	if errors.As(err, &exit) {
		_, _ = fmt.Fprintln(stderr, exit.Error())
		return 1
	}
	_, _ = fmt.Fprintf(stderr, "%v\n\n%s", err, root.UsageString())
	return 2
}

func NewRootCommand(defaults Options) *cobra.Command {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	c := &client{stdout: stdout}
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "querygatectl",
		Short:         "Ask natural-language questions through the querygate API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			c.http = defaults.HTTPClient
			if c.http == nil {
				c.http = &http.Client{Timeout: timeout}
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&c.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "querygate API base URL")
	flags.StringVar(&c.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	flags.StringVar(&c.role, "role", defaults.Role, "role sent as X-User-Role when auth is disabled")
	flags.StringVar(&c.userID, "user-id", defaults.UserID, "user id sent as X-User-Id when auth is disabled")
	flags.DurationVar(&timeout, "timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 10s)")
	flags.BoolVar(&c.jsonOutput, "json", false, "print raw JSON responses")

	root.AddCommand(
		&cobra.Command{
			Use:   "health",
			Short: "GET /v1/health",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.printRaw(cmd.Context(), http.MethodGet, "/v1/health", nil)
			},
		},
		&cobra.Command{
			Use:   "ready",
			Short: "GET /v1/ready",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.printRaw(cmd.Context(), http.MethodGet, "/v1/ready", nil)
			},
		},
		&cobra.Command{
			Use:   "ask <question>",
			Short: "Run a natural-language query",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ask(cmd.Context(), strings.Join(args, " "))
			},
		},
		&cobra.Command{
			Use:   "validate <question>",
			Short: "Generate and validate a query without executing it",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.validate(cmd.Context(), strings.Join(args, " "))
			},
		},
		&cobra.Command{
			Use:   "suggest [partial]",
			Short: "List suggested questions for the current role",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				partial := ""
				if len(args) == 1 {
					partial = args[0]
				}
				return c.suggest(cmd.Context(), partial)
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Show the tables and operations the current role may use",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.schema(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show basic counts for the current role",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.stats(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "refresh",
			Short: "Reload the schema catalog (admin only)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.printRaw(cmd.Context(), http.MethodPost, "/v1/schema/refresh", nil)
			},
		},
	)
	return root
}

type envelope struct {
	Success  bool             `json:"success"`
	Data     []map[string]any `json:"data"`
	Message  string           `json:"message"`
	Errors   []string         `json:"errors"`
	Warnings []string         `json:"warnings"`
	Metadata struct {
		SQLQuery      string   `json:"sql_query"`
		RowCount      int      `json:"row_count"`
		ExecutionTime float64  `json:"execution_time"`
		ResultType    string   `json:"result_type"`
		Columns       []string `json:"columns"`
	} `json:"metadata"`
}

func (c *client) ask(ctx context.Context, question string) error {
	code, body, err := c.do(ctx, http.MethodPost, "/v1/query", c.queryBody(question))
	if err != nil {
		return err
	}
	if c.jsonOutput {
		c.printBody(body)
		return statusError(code, nil)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if code >= 400 {
			return statusError(code, body)
		}
		return &exitError{err: fmt.Errorf("decode response: %w", err)}
	}
	if code >= 400 && env.Message == "" {
		return statusError(code, body)
	}
	if !env.Success {
		c.println(pterm.NewStyle(pterm.FgRed, pterm.Bold).Sprint(env.Message))
		c.bullets(env.Errors)
		return &exitError{err: fmt.Errorf("query failed with http %d", code)}
	}

	c.println(pterm.NewStyle(pterm.FgGreen, pterm.Bold).Sprint(env.Message))
	if env.Metadata.SQLQuery != "" {
		c.println(pterm.NewStyle(pterm.FgGray).Sprint(env.Metadata.SQLQuery))
	}
	if len(env.Data) > 0 {
		if err := c.table(env.Metadata.Columns, env.Data); err != nil {
			return &exitError{err: err}
		}
	}
	for _, warning := range env.Warnings {
		c.println(pterm.NewStyle(pterm.FgYellow).Sprint("warning: " + warning))
	}
	c.println(fmt.Sprintf("%d row(s) in %.3fs (%s)", env.Metadata.RowCount, env.Metadata.ExecutionTime, env.Metadata.ResultType))
	return nil
}

func (c *client) validate(ctx context.Context, question string) error {
	code, body, err := c.do(ctx, http.MethodPost, "/v1/query/validate", c.queryBody(question))
	if err != nil {
		return err
	}
	if c.jsonOutput || code >= 400 {
		c.printBody(body)
		return statusError(code, nil)
	}

	var preview struct {
		Valid       bool     `json:"valid"`
		SQLPreview  string   `json:"sql_preview"`
		QueryType   string   `json:"query_type"`
		Explanation string   `json:"explanation"`
		Errors      []string `json:"errors"`
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal(body, &preview); err != nil {
		return &exitError{err: fmt.Errorf("decode preview: %w", err)}
	}
	if !preview.Valid {
		c.println(pterm.NewStyle(pterm.FgRed, pterm.Bold).Sprint("rejected"))
		c.bullets(preview.Errors)
		if len(preview.Suggestions) > 0 {
			c.println("try instead:")
			c.bullets(preview.Suggestions)
		}
		return &exitError{err: errors.New("query was rejected")}
	}
	c.println(pterm.NewStyle(pterm.FgGreen, pterm.Bold).Sprint("valid " + preview.QueryType))
	c.println(preview.SQLPreview)
	if preview.Explanation != "" {
		c.println(pterm.NewStyle(pterm.FgGray).Sprint(preview.Explanation))
	}
	return nil
}

func (c *client) suggest(ctx context.Context, partial string) error {
	path := "/v1/query/suggestions"
	if strings.TrimSpace(partial) != "" {
		path += "?partial=" + url.QueryEscape(partial)
	}
	code, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if c.jsonOutput || code >= 400 {
		c.printBody(body)
		return statusError(code, nil)
	}
	var response struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return &exitError{err: fmt.Errorf("decode suggestions: %w", err)}
	}
	if len(response.Suggestions) == 0 {
		c.println("no suggestions")
		return nil
	}
	c.bullets(response.Suggestions)
	return nil
}

func (c *client) schema(ctx context.Context) error {
	code, body, err := c.do(ctx, http.MethodGet, "/v1/schema", nil)
	if err != nil {
		return err
	}
	if c.jsonOutput || code >= 400 {
		c.printBody(body)
		return statusError(code, nil)
	}
	var response struct {
		Role   string `json:"role"`
		Tables []struct {
			Name       string   `json:"name"`
			Operations []string `json:"operations"`
			Columns    []struct {
				Name string `json:"name"`
			} `json:"columns"`
		} `json:"tables"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return &exitError{err: fmt.Errorf("decode schema: %w", err)}
	}
	rows := [][]string{{"table", "operations", "columns"}}
	for _, table := range response.Tables {
		columns := make([]string, 0, len(table.Columns))
		for _, column := range table.Columns {
			columns = append(columns, column.Name)
		}
		rows = append(rows, []string{table.Name, strings.Join(table.Operations, ","), strings.Join(columns, ", ")})
	}
	c.println(pterm.NewStyle(pterm.Bold).Sprint("role: " + response.Role))
	return c.render(rows)
}

func (c *client) stats(ctx context.Context) error {
	code, body, err := c.do(ctx, http.MethodGet, "/v1/statistics", nil)
	if err != nil {
		return err
	}
	if c.jsonOutput || code >= 400 {
		c.printBody(body)
		return statusError(code, nil)
	}
	var report struct {
		Statistics map[string]int64 `json:"statistics"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		return &exitError{err: fmt.Errorf("decode statistics: %w", err)}
	}
	names := make([]string, 0, len(report.Statistics))
	for name := range report.Statistics {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := [][]string{{"statistic", "value"}}
	for _, name := range names {
		rows = append(rows, []string{name, fmt.Sprint(report.Statistics[name])})
	}
	return c.render(rows)
}

func (c *client) printRaw(ctx context.Context, method, path string, payload any) error {
	code, body, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if code >= 400 {
		return statusError(code, body)
	}
	c.printBody(body)
	return nil
}

func (c *client) queryBody(question string) map[string]any {
	body := map[string]any{"query": question}
	if c.apiKey == "" && c.role != "" {
		body["user_context"] = map[string]any{"role": c.role, "user_id": c.userID}
	}
	return body
}

func (c *client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, &exitError{err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(raw)
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, &exitError{err: fmt.Errorf("request failed: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(c.apiKey); key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if role := strings.TrimSpace(c.role); role != "" {
		req.Header.Set("X-User-Role", role)
	}
	if userID := strings.TrimSpace(c.userID); userID != "" {
		req.Header.Set("X-User-Id", userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &exitError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &exitError{err: fmt.Errorf("read response: %w", err)}
	}
	return resp.StatusCode, body, nil
}

func statusError(code int, body []byte) error {
	if code < 400 {
		return nil
	}
	return &exitError{err: fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(body)))}
}

func (c *client) printBody(body []byte) {
	if pretty, ok := prettyJSON(body); ok {
		c.println(pretty)
		return
	}
	if len(body) > 0 {
		c.println(string(body))
	}
}

func (c *client) table(columns []string, data []map[string]any) error {
	if len(columns) == 0 {
		for name := range data[0] {
			columns = append(columns, name)
		}
		sort.Strings(columns)
	}
	rows := make([][]string, 0, len(data)+1)
	rows = append(rows, columns)
	for _, record := range data {
		row := make([]string, len(columns))
		for i, column := range columns {
			if value, ok := record[column]; ok && value != nil {
				row[i] = fmt.Sprint(value)
			}
		}
		rows = append(rows, row)
	}
	return c.render(rows)
}

func (c *client) render(rows [][]string) error {
	rendered, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return &exitError{err: fmt.Errorf("render table: %w", err)}
	}
	c.println(rendered)
	return nil
}

func (c *client) bullets(values []string) {
	if len(values) == 0 {
		return
	}
	items := make([]pterm.BulletListItem, 0, len(values))
	for _, value := range values {
		items = append(items, pterm.BulletListItem{Level: 0, Text: value})
	}
	rendered, err := pterm.DefaultBulletList.WithItems(items).Srender()
	if err != nil {
		for _, value := range values {
			c.println("- " + value)
		}
		return
	}
	c.println(strings.TrimRight(rendered, "\n"))
}

func (c *client) println(value string) {
	_, _ = fmt.Fprintln(c.stdout, value)
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

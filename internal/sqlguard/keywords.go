package sqlguard

func set(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, word := range words {
		out[word] = struct{}{}
	}
	return out
}

var reservedWords = set(
	"ALL", "AND", "ANY", "ARRAY", "AS", "ASC", "BETWEEN", "BOTH", "BY", "CASE", "CAST",
	"COLLATE", "CROSS", "CURRENT", "CURRENT_DATE", "CURRENT_TIME", "CURRENT_TIMESTAMP",
	"DEFAULT", "DELETE", "DESC", "DISTINCT", "ELSE", "END", "ESCAPE", "EXCEPT", "EXISTS",
	"FALSE", "FETCH", "FILTER", "FIRST", "FOLLOWING", "FOR", "FROM", "FULL", "GROUP",
	"HAVING", "ILIKE", "IN", "INNER", "INSERT", "INTERSECT", "INTERVAL", "INTO", "IS",
	"ISNULL", "JOIN", "LAST", "LATERAL", "LEADING", "LEFT", "LIKE", "LIMIT", "LOCALTIME",
	"LOCALTIMESTAMP", "NATURAL", "NEXT", "NOT", "NOTNULL", "NULL", "NULLS", "OFFSET", "ON",
	"ONLY", "OR", "ORDER", "OUTER", "OVER", "PARTITION", "PRECEDING", "RECURSIVE",
	"RETURNING", "RIGHT", "ROW", "ROWS", "SELECT", "SET", "SIMILAR", "SOME", "TABLE",
	"THEN", "TIES", "TO", "TRAILING", "TRUE", "UNBOUNDED", "UNION", "UNKNOWN", "UPDATE",
	"USING", "VALUES", "WHEN", "WHERE", "WINDOW", "WITH", "WITHIN",
)

func isReserved(upper string) bool {
	_, ok := reservedWords[upper]
	return ok
}

// clauseWords end a SELECT list or the expression of the clause before them.
var clauseWords = set(
	"FROM", "WHERE", "GROUP", "HAVING", "WINDOW", "ORDER", "LIMIT", "OFFSET", "FETCH",
	"FOR", "UNION", "INTERSECT", "EXCEPT", "INTO", "RETURNING",
)

var joinWords = set("JOIN", "INNER", "LEFT", "RIGHT", "FULL", "OUTER", "CROSS", "NATURAL")

var aggregateFunctions = set(
	"avg", "count", "sum", "min", "max", "array_agg", "string_agg", "group_concat",
	"bool_and", "bool_or", "every", "stddev", "stddev_pop", "stddev_samp", "variance",
	"var_pop", "var_samp", "median", "mode", "percentile_cont", "percentile_disc",
	"json_agg", "jsonb_agg", "json_object_agg", "listagg", "approx_count_distinct",
)

// scalarFunctions are the non-aggregate functions a statement may call. Any
// other function is rejected: sequence, lock, notify, file and server
// functions all have effects or read state outside the statement's tables.
var scalarFunctions = set(
	"abs", "ceil", "ceiling", "floor", "round", "trunc", "mod", "power", "sqrt", "sign",
	"greatest", "least", "coalesce", "nullif", "ifnull", "nvl",
	"lower", "upper", "length", "char_length", "character_length", "trim", "ltrim", "rtrim",
	"btrim", "substr", "substring", "replace", "concat", "concat_ws", "left", "right",
	"lpad", "rpad", "position", "strpos", "instr", "initcap", "split_part", "starts_with",
	"to_char", "to_date", "to_timestamp", "to_number", "date_trunc", "date_part", "datepart",
	"date_diff", "datediff", "date_add", "date_sub", "make_date", "age", "now", "date", "time",
	"datetime", "strftime", "julianday", "year", "month", "day", "dayofweek", "hour", "minute",
	"row_number", "rank", "dense_rank", "percent_rank", "cume_dist", "ntile", "lag", "lead",
	"first_value", "last_value", "nth_value",
)

func allowedFunction(name string) bool {
	if _, ok := aggregateFunctions[name]; ok {
		return true
	}
	_, ok := scalarFunctions[name]
	return ok
}

var typedLiteralWords = set("DATE", "TIME", "TIMESTAMP", "TIMESTAMPTZ", "INTERVAL")

var datePartWords = set(
	"YEAR", "YEARS", "MONTH", "MONTHS", "DAY", "DAYS", "HOUR", "HOURS", "MINUTE", "MINUTES",
	"SECOND", "SECONDS", "WEEK", "WEEKS", "QUARTER", "DOW", "DOY", "EPOCH", "ISODOW",
	"CENTURY", "DECADE", "MILLENNIUM", "MILLISECONDS", "MICROSECONDS", "TIMEZONE",
)

// typeContinuations extend a type name after '::' or CAST ... AS.
var typeContinuations = set("PRECISION", "VARYING", "WITH", "WITHOUT", "TIME", "ZONE")

var schemaPrefixes = set("public", "main")

var blockedStatements = set(
	"ALTER", "ANALYZE", "ATTACH", "BEGIN", "CALL", "CHECKPOINT", "COMMENT", "COMMIT", "COPY",
	"CREATE", "DEALLOCATE", "DETACH", "DISCARD", "DO", "DROP", "EXEC", "EXECUTE", "EXPLAIN",
	"EXPORT", "GRANT", "IMPORT", "INSTALL", "LISTEN", "LOAD", "LOCK", "MERGE", "NOTIFY",
	"PRAGMA", "PREPARE", "REASSIGN", "REFRESH", "REINDEX", "RELEASE", "REPLACE", "RESET",
	"REVOKE", "ROLLBACK", "SAVEPOINT", "SET", "SHOW", "START", "TRUNCATE", "UNLISTEN",
	"UPSERT", "USE", "VACUUM",
)

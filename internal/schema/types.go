package schema

import "strings"

// Family groups column types that compare and verify the same way.
type Family string

const (
	FamilyText      Family = "text"
	FamilyInteger   Family = "integer"
	FamilyDecimal   Family = "decimal"
	FamilyBoolean   Family = "boolean"
	FamilyTimestamp Family = "timestamp"
	FamilyDate      Family = "date"
	FamilyJSON      Family = "json"
	FamilyUUID      Family = "uuid"
	FamilyUnknown   Family = "unknown"
)

var typeAliases = map[string]string{
	"VARCHAR":                     "TEXT",
	"CHARACTER VARYING":           "TEXT",
	"CHAR":                        "TEXT",
	"CHARACTER":                   "TEXT",
	"STRING":                      "TEXT",
	"INT":                         "BIGINT",
	"INTEGER":                     "BIGINT",
	"INT4":                        "BIGINT",
	"INT8":                        "BIGINT",
	"SMALLINT":                    "BIGINT",
	"INT2":                        "BIGINT",
	"SERIAL":                      "BIGINT",
	"BIGSERIAL":                   "BIGINT",
	"FLOAT":                       "DOUBLE",
	"FLOAT4":                      "DOUBLE",
	"FLOAT8":                      "DOUBLE",
	"REAL":                        "DOUBLE",
	"DOUBLE PRECISION":            "DOUBLE",
	"NUMERIC":                     "DECIMAL",
	"BOOL":                        "BOOLEAN",
	"TIMESTAMPTZ":                 "TIMESTAMP",
	"TIMESTAMP WITH TIME ZONE":    "TIMESTAMP",
	"TIMESTAMP WITHOUT TIME ZONE": "TIMESTAMP",
	"DATETIME":                    "TIMESTAMP",
	"JSONB":                       "JSON",
}

// NormalizeType maps driver and dialect spellings onto a canonical name.
// Length and precision modifiers are dropped.
func NormalizeType(raw string) string {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	if idx := strings.IndexByte(upper, '('); idx >= 0 {
		upper = strings.TrimSpace(upper[:idx])
	}
	upper = strings.Join(strings.Fields(upper), " ")
	if upper == "" {
		return "TEXT"
	}
	if canonical, ok := typeAliases[upper]; ok {
		return canonical
	}
	return upper
}

func FamilyOf(columnType string) Family {
	switch NormalizeType(columnType) {
	case "TEXT", "ENUM":
		return FamilyText
	case "BIGINT", "HUGEINT", "UBIGINT":
		return FamilyInteger
	case "DOUBLE", "DECIMAL":
		return FamilyDecimal
	case "BOOLEAN":
		return FamilyBoolean
	case "TIMESTAMP", "TIME":
		return FamilyTimestamp
	case "DATE":
		return FamilyDate
	case "JSON":
		return FamilyJSON
	case "UUID":
		return FamilyUUID
	default:
		return FamilyUnknown
	}
}

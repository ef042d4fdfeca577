package observability

import "regexp"

var (
	maskPassword = regexp.MustCompile(`(?i)(password=)([^\s;&]+)`)
	maskBearer   = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9._~+/=-]+)`)
	maskDSNCreds = regexp.MustCompile(`(?i)(://)([^:/@\s]+):([^@\s]+)(@)`)
	maskAPIKey   = regexp.MustCompile(`(?i)(api[_-]?key[=:]\s*)([^\s;&,]+)`)
)

// Mask redacts credentials from text before it is logged.
func Mask(s string) string {
	out := maskPassword.ReplaceAllString(s, "$1***")
	out = maskBearer.ReplaceAllString(out, "$1***")
	out = maskDSNCreds.ReplaceAllString(out, "$1$2:***$4")
	out = maskAPIKey.ReplaceAllString(out, "$1***")
	return out
}

// MaskError is Mask for error values; nil stays empty.
func MaskError(err error) string {
	if err == nil {
		return ""
	}
	return Mask(err.Error())
}

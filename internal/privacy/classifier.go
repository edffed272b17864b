// Package privacy gates what the interaction engine is allowed to remember.
package privacy

import "strings"

// Predicate reports whether content is too sensitive to persist.
type Predicate func(content string) bool

// Sensitive keyword list, Spanish and English. Substring matching keeps the
// gate conservative.
var defaultKeywords = []string{
	"contraseña",
	"password",
	"clave",
	"pin",
	"tarjeta",
	"crédito",
	"débito",
	"cuenta bancaria",
	"dni",
	"pasaporte",
	"número de seguridad",
	"seguridad social",
	"dirección",
	"domicilio",
	"medicamento",
	"diagnóstico",
	"enfermedad",
	"tratamiento",
	"address",
	"passport",
	"credit card",
	"debit card",
	"bank account",
	"social security",
	"medication",
	"diagnosis",
}

// KeywordClassifier builds a case-insensitive substring predicate. With no
// keywords the built-in list is used.
func KeywordClassifier(keywords ...string) Predicate {
	kws := keywords
	if len(kws) == 0 {
		kws = defaultKeywords
	}
	lowered := make([]string, len(kws))
	for i, kw := range kws {
		lowered[i] = strings.ToLower(kw)
	}
	return func(content string) bool {
		lc := strings.ToLower(content)
		for _, kw := range lowered {
			if strings.Contains(lc, kw) {
				return true
			}
		}
		return false
	}
}

// AllowAll never blocks. Useful for tests and trusted deployments.
func AllowAll(string) bool { return false }

package engine

import (
	"strings"
	"unicode"

	"github.com/relationaldba/provisiond/internal/ir"
)

// SnakeCase converts a PascalCase or camelCase output name to snake_case.
// Acronym runs stay together: "StackARN" becomes "stack_arn".
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)

	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
			continue
		}
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				if !strings.HasSuffix(b.String(), "_") {
					b.WriteByte('_')
				}
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return strings.Trim(b.String(), "_")
}

// OutputProperties turns stack outputs into properties with snake_case names.
func OutputProperties(outputs []ir.StackOutput) []ir.Property {
	props := make([]ir.Property, 0, len(outputs))
	for _, o := range outputs {
		props = append(props, ir.Property{Name: SnakeCase(o.Key), Value: o.Value})
	}
	return props
}

func outputValue(outputs []ir.StackOutput, key string) (string, bool) {
	for _, o := range outputs {
		if o.Key == key {
			return o.Value, o.Value != ""
		}
	}
	return "", false
}

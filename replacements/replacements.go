package replacements

import (
	"fmt"
	"regexp"
	"strings"
)

const ESCAPE = '\\'

// Expression is a parsed "/regex/substitution/" replacement. Any rune other
// than the escape rune may serve as delimiter.
type Expression struct {
	Source       string
	regex        *regexp.Regexp
	substitution string
}

func Parse(expression string) (result Expression, err error) {
	runes := []rune(expression)
	if len(runes) == 0 || runes[0] == ESCAPE {
		err = invalidExpressionError(expression)
		return
	}

	parts := splitUnescaped(expression, runes[0], ESCAPE)
	if len(parts) != 4 || parts[0] != "" || parts[3] != "" {
		err = invalidExpressionError(expression)
		return
	}

	regex, err := regexp.Compile(parts[1])
	if err != nil {
		err = fmt.Errorf(`error compiling regexp for replace "%s" - %s`, parts[1], err)
		return
	}

	return Expression{Source: expression, regex: regex, substitution: parts[2]}, nil
}

func (e Expression) Replace(value string) string {
	if e.regex == nil {
		return value
	}
	return e.regex.ReplaceAllString(value, e.substitution)
}

// Apply runs every expression over value in order.
func Apply(value string, expressions []string) (result string, err error) {
	result = value
	for _, expression := range expressions {
		var parsed Expression
		if parsed, err = Parse(expression); err != nil {
			return
		}
		result = parsed.Replace(result)
	}
	return
}

func Validate(expressions []string) error {
	for _, expression := range expressions {
		if _, err := Parse(expression); err != nil {
			return err
		}
	}
	return nil
}

func splitUnescaped(s string, sep, esc rune) []string {
	seps := string(sep)
	escs := string(esc)

	result := make([]string, 0, strings.Count(s, seps)+1)
	var current strings.Builder

	for i := strings.IndexRune(s, sep); i >= 0; i = strings.IndexRune(s, sep) {
		if trailingCount(s[:i], esc)%2 == 1 {
			current.WriteString(s[:i-len(escs)])
			current.WriteString(seps)
		} else {
			current.WriteString(s[:i])
			result = append(result, current.String())
			current.Reset()
		}
		s = s[i+len(seps):]
	}

	current.WriteString(s)
	return append(result, current.String())
}

func trailingCount(s string, r rune) (count int) {
	runes := []rune(s)
	for i := len(runes) - 1; i >= 0 && runes[i] == r; i-- {
		count++
	}
	return
}

func invalidExpressionError(input string) error {
	return fmt.Errorf(`invalid replace expression - expected "/regex/substitution/" (any delimiter but '\' works) but got "%s"`, input)
}

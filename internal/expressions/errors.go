package expressions

import (
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

func expressionError(kind, lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s %s in %q: %s", lang, kind, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

func compileError(lang, expression string, err error) error {
	return expressionError("compile error", lang, expression, err)
}

func evalError(lang, expression string, err error) error {
	return expressionError("evaluation failed", lang, expression, err)
}

func emptyExpression(lang string) error {
	return schema.NewError(schema.ErrCodeExpression, fmt.Sprintf("empty %s expression", lang))
}

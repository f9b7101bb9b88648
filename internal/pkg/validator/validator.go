package validator

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Fields flattens binding errors into field -> failed rule, using the
// lower-cased field name. Errors that are not validation errors yield nil.
func Fields(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return fields
}

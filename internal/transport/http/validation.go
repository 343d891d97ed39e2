package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// newValidator reports field errors under their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeAndValidate reads a JSON body into out and runs struct validation. On
// failure it writes the 400 response and returns false.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v *validator.Validate, out any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return false
	}

	if err := v.Struct(out); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			writeError(w, http.StatusBadRequest, codeValidationFailed, "validation failed")
			return false
		}
		fields := make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields[fe.Field()] = fe.Tag()
		}
		writeErrorResponse(w, http.StatusBadRequest, errorResponse{
			Error:  "validation failed",
			Code:   codeValidationFailed,
			Fields: fields,
		})
		return false
	}
	return true
}

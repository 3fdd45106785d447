package validation

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	apierrors "github.com/nkkko/msgselect/internal/api/errors"
)

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate decodes a JSON request body of at most maxBytes and validates it
func ParseAndValidate(w http.ResponseWriter, r *http.Request, v Validator, maxBytes int64) error {
	body := r.Body
	if maxBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, maxBytes)
	}

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apierrors.ValidationError("empty_request_body", "Request body is empty")
		case errors.As(err, &tooLarge):
			return apierrors.ValidationError("request_too_large",
				"Request body must be at most "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
		default:
			return apierrors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
		}
	}

	return v.Validate()
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if value == "" {
		return apierrors.ValidationError("required_field_missing", field+" is required")
	}
	return nil
}

// MaxLength validates that a string is not longer than maxLen bytes
func MaxLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return apierrors.ValidationError("max_length_exceeded",
			field+" must be at most "+strconv.Itoa(maxLen)+" characters")
	}
	return nil
}

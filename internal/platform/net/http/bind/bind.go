// Package bind provides JSON bind and validation helpers for handlers
package bind

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	perr "ehrbridge/internal/platform/errors"

	"github.com/go-playground/validator/v10"
)

var (
	vOnce sync.Once
	v     *validator.Validate
)

// Get returns the singleton validator with json tag names preferred in messages
func Get() *validator.Validate {
	vOnce.Do(func() {
		v = validator.New(validator.WithRequiredStructEnabled())

		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			for _, key := range []string{"json", "yaml"} {
				tag := fld.Tag.Get(key)
				if tag == "" || tag == "-" {
					continue
				}
				if idx := strings.Index(tag, ","); idx >= 0 {
					tag = tag[:idx]
				}
				return tag
			}
			return fld.Name
		})
	})
	return v
}

// ValidateStruct validates any tagged struct and maps failures to project errors
func ValidateStruct(s any) error {
	if err := Get().Struct(s); err != nil {
		return mapValidationErr(err)
	}
	return nil
}

// JSONOptions controls parsing behavior
type JSONOptions struct {
	MaxBytes        int64 // default 1MB
	DisallowUnknown bool  // default true
	AllowEmptyBody  bool  // default false
}

func defaultJSONOptions() JSONOptions {
	return JSONOptions{
		MaxBytes:        1 << 20,
		DisallowUnknown: true,
		AllowEmptyBody:  false,
	}
}

// ParseJSON decodes JSON into T, validates it, and maps failures to project errors
func ParseJSON[T any](r *http.Request, opts ...JSONOptions) (T, error) {
	var zero T
	o := defaultJSONOptions()
	if len(opts) > 0 {
		o = opts[0]
	}

	body := http.MaxBytesReader(nil, r.Body, o.MaxBytes)
	defer func() { _, _ = io.Copy(io.Discard, body); _ = body.Close() }()

	dec := json.NewDecoder(body)
	if o.DisallowUnknown {
		dec.DisallowUnknownFields()
	}

	var in T
	if err := dec.Decode(&in); err != nil {
		if errors.Is(err, io.EOF) && o.AllowEmptyBody {
			return in, nil
		}
		return zero, perr.Wrap(err, perr.ErrorCodeValidation, "invalid json body")
	}
	if dec.More() {
		return zero, perr.Validationf("unexpected trailing data after json body")
	}

	if err := Get().Struct(&in); err != nil {
		return zero, mapValidationErr(err)
	}
	return in, nil
}

func mapValidationErr(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return perr.WithField(
			perr.Validationf("field %q failed on %q", fe.Field(), fe.Tag()),
			fe.Field(),
		)
	}
	return perr.Wrap(err, perr.ErrorCodeValidation, "validation failed")
}

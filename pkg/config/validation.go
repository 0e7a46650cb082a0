package config

import (
	"reflect"

	sperr "github.com/StorePort/storeport-auth/pkg/errors"
)

// Validator is an optional interface that configuration structs may
// implement for custom validation logic. If the struct passed to
// [Loader.Load] implements Validator, its Validate method is called
// after tag-based validation ([required] tag) succeeds.
//
// Validate should return an error describing the first validation
// failure, or nil if the configuration is valid. Errors that are
// already [*sperr.Error] are returned as-is; other errors are wrapped
// with [sperr.CodeValidation].
//
// Example:
//
//	type ExchangeConfig struct {
//	    ClientID    string `env:"CLIENT_ID" required:"true"`
//	    MaxAttempts int    `env:"MAX_ATTEMPTS" envDefault:"4"`
//	}
//
//	func (c *ExchangeConfig) Validate() error {
//	    if c.MaxAttempts < 1 {
//	        return sperr.Newf(sperr.CodeValidationRange,
//	            "config: max attempts %d must be at least 1", c.MaxAttempts)
//	    }
//	    return nil
//	}
type Validator interface {
	Validate() error
}

// validate performs tag-based required validation and then invokes the
// Validator interface if the config struct implements it. The cfg
// parameter is the original interface value (for Validator type
// assertion); rv is the dereferenced reflect.Value of the struct.
func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}

	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			// Pass through sperr.Error instances unchanged.
			if _, isEngineErr := sperr.AsError(err); isEngineErr {
				return err
			}
			return sperr.Wrap(err, sperr.CodeValidation,
				"config: custom validation failed")
		}
	}

	return nil
}

// validateRequired recursively checks that all fields tagged with
// `required:"true"` hold non-zero values. The path parameter tracks
// the dotted field path for error messages (e.g., "Database.Host").
//
// Nested structs are traversed recursively. Unexported fields and
// non-struct types without a required tag are skipped.
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)

		if !field.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		// Recurse into nested structs (but not named types like
		// time.Time that happen to be structs).
		if field.Kind() == reflect.Struct {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}

		if sf.Tag.Get("required") != "true" {
			continue
		}

		if field.IsZero() {
			return sperr.Newf(sperr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}

	return nil
}

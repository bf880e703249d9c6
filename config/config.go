// Package config populates a configuration struct from struct-tag defaults
// and environment variables, with environment variables taking precedence
// over defaults. It uses struct tags to set defaults and to override
// environment variable names. Command line flags, YAML files and
// validation rules are not read or applied.
package config

import (
	"errors"
	"flag"
	"fmt"
	"maps"
	"os"
	"reflect"
	"strings"
)

// Config tag constants
const (
	configTag  = "config"  // Main config tag
	envTag     = "env"     // Environment variable name
	flagTag    = "flag"    // Command line flag name
	defaultTag = "default" // Default value
	// descriptionTag = "desc"     // Description for help messages
	optionalTag = "optional" // Mark field as optional
	// validateTag    = "validate" // Validation rules
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// MultiError holds multiple errors that occurred during parsing
type MultiError struct {
	Errors []error
}

func (m MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}

	errMsgs := make([]string, len(m.Errors))
	for i, err := range m.Errors {
		errMsgs[i] = err.Error()
	}

	return fmt.Sprintf("%d error(s) occurred:\n- %s",
		len(m.Errors), strings.Join(errMsgs, "\n- "))
}

// Options holds options for the Parse function. Parse reads EnvPrefix and
// SkipEnv; ProgramName, SkipFlags, Args and ErrorHandling are accepted but
// have no effect, since Parse does not parse command line flags.
type Options struct {
	// ProgramName is used in usage messages for command line flags
	ProgramName string
	// EnvPrefix is prefixed to environment variable names (unless overridden by tags)
	EnvPrefix string
	// SkipFlags indicates whether to skip parsing command line flags
	SkipFlags bool
	// SkipEnv indicates whether to skip parsing environment variables
	SkipEnv bool
	// Args provides command line arguments (defaults to os.Args[1:])
	Args []string
	// ErrorHandling determines how parsing errors are handled
	ErrorHandling flag.ErrorHandling
}

// DefaultConfigOptions returns the default configuration options
func DefaultConfigOptions() Options {
	opts := Options{
		ProgramName:   os.Args[0],
		EnvPrefix:     "",
		SkipFlags:     false,
		SkipEnv:       false,
		Args:          os.Args[1:],
		ErrorHandling: flag.ContinueOnError,
	}

	return opts
}

// Parse populates the config struct from different sources
// It follows this precedence order (highest to lowest):
// 1. Environment variables (unless options.SkipEnv is set)
// 2. Default values from struct tags
// Command line arguments and YAML files are not read.
func Parse(cfg any, options Options) (map[string]configField, error) {

	opts := setOptions(options)

	// Get reflected value and ensure it's a pointer to a struct
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return nil, errors.New("config must be a pointer to a struct")
	}
	v = v.Elem()

	var allErrors MultiError

	structMap := walkStruct(v, "")

	if err := applyDefaults(structMap); err != nil {
		return structMap, err
	}

	if !opts.SkipEnv {
		if err := applyEnvs(structMap, opts.EnvPrefix); err != nil {
			return structMap, err
		}
	}

	// Parse command line arguments (if enabled, highest precedence)
	// if !opts.SkipFlags {
	// 	if err := parseFlags(v, opts.ProgramName, opts.Args, opts.ErrorHandling); err != nil {
	// 		allErrors.Errors = append(allErrors.Errors, fmt.Errorf("parsing command line flags: %w", err))
	// 	}
	// }

	// Validate the configuration
	// if err := validate(v); err != nil {
	// 	allErrors.Errors = append(allErrors.Errors, fmt.Errorf("validation: %w", err))
	// }

	if len(allErrors.Errors) > 0 {
		return nil, allErrors
	}

	return structMap, nil
}

type configField struct {
	Path        string
	Value       reflect.Value
	Kind        reflect.Kind
	Name        string
	StructField reflect.StructField
	Tag         reflect.StructTag
}

func walkStruct(v reflect.Value, currPath string) map[string]configField {
	fields := map[string]configField{}

	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		// Get values
		field := v.Field(i)
		structField := t.Field(i)
		name := structField.Name
		kind := field.Kind()
		tag := structField.Tag

		// Join the path
		path := name
		if currPath != "" {
			path = strings.Join([]string{currPath, name}, ".")
		}

		// Recursive for structs
		if kind == reflect.Struct {
			nestedFields := walkStruct(field, path)
			maps.Copy(fields, nestedFields)
			continue
		}

		val := field
		fields[path] = configField{
			Path: path, Value: val, Kind: kind, Name: name, StructField: structField, Tag: tag}
	}
	return fields
}

func applyDefaults(fields map[string]configField) error {
	var allErrs MultiError

	for _, field := range fields {
		def, ok := field.Tag.Lookup(defaultTag)
		if !ok {
			continue
		}

		if err := setFromString(field, def); err != nil {
			allErrs.Errors = append(allErrs.Errors, err)
		}
	}
	if len(allErrs.Errors) > 0 {
		return allErrs
	}
	return nil
}

func applyEnvs(fields map[string]configField, prefix string) error {
	var multErr MultiError

	for _, field := range fields {

		envName := toScreamingSnakeCase(field.Path)

		if def, ok := field.Tag.Lookup(envTag); ok {
			envName = def
		} else if prefix != "" {
			envName = prefix + envName
		}

		val, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}

		if err := setFromString(field, val); err != nil {
			multErr.Errors = append(multErr.Errors, err)
		}
	}

	if len(multErr.Errors) > 0 {
		return multErr
	}
	return nil
}

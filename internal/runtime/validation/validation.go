// Package validation validates decoded payloads and reports failures as a
// field to message map.
package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"

	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	"github.com/drblury/ninjin/internal/runtime/jsoncodec"
)

// ErrTranslatorNotFound indicates the requested translator is unavailable.
var ErrTranslatorNotFound = errors.New("translator not found")

// FieldErrors maps JSON field names to human readable messages.
type FieldErrors map[string]string

func (fe FieldErrors) Error() string {
	if len(fe) == 0 {
		return errspkg.ErrValidation.Error()
	}
	b, err := jsoncodec.Marshal(map[string]string(fe))
	if err != nil {
		return errspkg.ErrValidation.Error()
	}
	return errspkg.ErrValidation.Error() + ": " + string(b)
}

// Is lets callers match FieldErrors against ErrValidation.
func (fe FieldErrors) Is(target error) bool {
	return target == errspkg.ErrValidation
}

// Validator validates structs with English messages keyed by JSON name.
type Validator struct {
	validate   *validator.Validate
	translator ut.Translator
}

// New constructs a Validator with English translations.
func New() (*Validator, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(jsonName)

	enLang := en.New()
	uni := ut.New(enLang, enLang)
	enTrans, ok := uni.GetTranslator("en")
	if !ok {
		return nil, ErrTranslatorNotFound
	}
	if err := enTranslations.RegisterDefaultTranslations(validate, enTrans); err != nil {
		return nil, err
	}

	return &Validator{validate: validate, translator: enTrans}, nil
}

// Default is shared by the handler context.
var Default = mustNew()

func mustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Struct validates data when it is a struct or a (possibly nested) pointer to
// one. Other values and nil pointers pass unchanged.
func (v *Validator) Struct(data any) error {
	target, ok := structTarget(data)
	if !ok {
		return nil
	}
	err := v.validate.Struct(target)
	if err == nil {
		return nil
	}
	var validateErrs validator.ValidationErrors
	if !errors.As(err, &validateErrs) {
		return errors.Join(errspkg.ErrValidation, err)
	}

	out := make(FieldErrors, len(validateErrs))
	for _, fe := range validateErrs {
		out[fe.Field()] = fe.Translate(v.translator)
	}
	return out
}

func jsonName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return field.Name
	}
	return name
}

func structTarget(data any) (any, bool) {
	rv := reflect.ValueOf(data)
	if !rv.IsValid() {
		return nil, false
	}
	for rv.Kind() == reflect.Pointer && rv.Elem().Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		return rv.Interface(), rv.Elem().Kind() == reflect.Struct
	}
	return rv.Interface(), rv.Kind() == reflect.Struct
}

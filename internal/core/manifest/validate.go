package manifest

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// PortProbe reports whether a TCP port can currently be bound on the host.
type PortProbe interface {
	IsFree(port int) bool
}

// PortProbeFunc adapts a function to PortProbe.
type PortProbeFunc func(port int) bool

func (f PortProbeFunc) IsFree(port int) bool {
	return f(port)
}

// Validator checks a Manifest. It is bound to one PortProbe because the
// "freeport" rule needs host access.
type Validator struct {
	validate *validator.Validate
	trans    ut.Translator
}

// NewValidator builds a Validator. A nil probe treats every port as free.
func NewValidator(probe PortProbe) *Validator {
	english := en.New()
	trans, _ := ut.New(english, english).GetTranslator("en")

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(yamlName)
	_ = en_translations.RegisterDefaultTranslations(v, trans)

	_ = v.RegisterValidation("freeport", func(fl validator.FieldLevel) bool {
		if probe == nil {
			return true
		}
		return probe.IsFree(int(fl.Field().Int()))
	})
	_ = v.RegisterTranslation("freeport", trans, func(ut ut.Translator) error {
		return ut.Add("freeport", "{0} {1} is already in use on this host", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("freeport", fe.Field(), fmt.Sprint(fe.Value()))
		return t
	})

	return &Validator{validate: v, trans: trans}
}

// Validate returns nil or an *InvalidError for the first failing field.
func (v *Validator) Validate(m *Manifest) error {
	err := v.validate.Struct(m)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}

	fe := fieldErrs[0]
	invalid := &InvalidError{
		Field:  fe.Field(),
		Reason: fe.Translate(v.trans),
	}
	switch {
	case fe.Tag() == "freeport":
		invalid.Err = ErrPortUnavailable
	case fe.Tag() == "required" && fe.Field() == "port":
		invalid.Err = ErrPortRequired
	}
	return invalid
}

func yamlName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if name == "-" {
		return ""
	}
	return name
}

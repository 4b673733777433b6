package server

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// requestValidator checks the shape and size of request payloads. Semantic
// rules such as blank names or empty messages stay with the broker.
type requestValidator struct {
	validate *validator.Validate
	nameRule string
	textRule string
}

func newRequestValidator(cfg Config) *requestValidator {
	v := validator.New()
	// Registration only fails for an empty tag or a nil func.
	_ = v.RegisterValidation("notblank", validators.NotBlank)

	return &requestValidator{
		validate: v,
		nameRule: fmt.Sprintf("max=%d", cfg.MaxNameLength),
		textRule: fmt.Sprintf("max=%d", cfg.MaxTextLength),
	}
}

func (rv *requestValidator) name(name string) error {
	return rv.validate.Var(name, rv.nameRule)
}

func (rv *requestValidator) text(text string) error {
	return rv.validate.Var(text, rv.textRule)
}

func (rv *requestValidator) roomID(id string) error {
	return rv.validate.Var(id, "required,notblank")
}

func (rv *requestValidator) request(req any) error {
	return rv.validate.Struct(req)
}

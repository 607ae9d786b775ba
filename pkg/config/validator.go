package config

import (
	"github.com/go-playground/validator/v10"
)

var semanticSources = map[string]struct{}{
	"legal-block":   {},
	"likely-footer": {},
	"nav-block":     {},
	"likely-header": {},
	"body":          {},
}

// RegisterCustomValidators registers custom validation functions
func RegisterCustomValidators(v *validator.Validate) error {
	return v.RegisterValidation("semantic_source", validateSemanticSource)
}

func validateSemanticSource(fl validator.FieldLevel) bool {
	_, ok := semanticSources[fl.Field().String()]
	return ok
}

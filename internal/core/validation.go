package core

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"lobkit/pkg/domain"
)

const unknownProperty = "unknown property"

func validateValue[T any](v *validator.Validate, p domain.Property[T], value any) []string {
	var msgs []string
	if p.Rules != "" {
		if err := v.Var(value, p.Rules); err != nil {
			var fieldErrs validator.ValidationErrors
			if errors.As(err, &fieldErrs) {
				for _, fe := range fieldErrs {
					msgs = append(msgs, describe(fe))
				}
			} else {
				msgs = append(msgs, err.Error())
			}
		}
	}
	if p.Check != nil {
		msgs = append(msgs, p.Check(value)...)
	}
	return msgs
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "len":
		return fmt.Sprintf("must have length %s", fe.Param())
	case "email":
		return "must be a valid email address"
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	case "uuid", "uuid4":
		return "must be a UUID"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

func validateEntity[T any](v *validator.Validate, model *domain.Model[T], e *T) []domain.PropertyProblem {
	key, _ := model.KeyOf(e)
	var out []domain.PropertyProblem
	for _, p := range model.Properties {
		if p.Rules == "" && p.Check == nil {
			continue
		}
		if msgs := validateValue(v, p, p.Get(e)); len(msgs) > 0 {
			out = append(out, domain.PropertyProblem{
				Entity:   model.Name,
				Key:      key,
				Property: p.Name,
				Messages: msgs,
			})
		}
	}
	return out
}

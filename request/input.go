package request

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/geo"
)

// Input is what a giver submits to create an instant request.
type Input struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description,omitempty" validate:"max=4000"`
	Category    string     `json:"category" validate:"required,max=64"`
	Location    *geo.Point `json:"location" validate:"required"`
	Address     string     `json:"address,omitempty" validate:"max=500"`
	MaxBudget   *float64   `json:"max_budget,omitempty" validate:"omitempty,gt=0"`
	Urgency     Urgency    `json:"urgency_level" validate:"required,oneof=asap within_hour within_2_hours"`
	RadiusKm    float64    `json:"radius_km" validate:"gt=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Normalize trims free-text fields in place.
func (in *Input) Normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Category = strings.TrimSpace(in.Category)
	in.Address = strings.TrimSpace(in.Address)
}

// Validate checks the input against the struct rules, the coordinate
// ranges and the configured radius cap. Failures are reported as a
// *dispatch.ValidationError.
func (in Input) Validate(cfg dispatch.Config) error {
	verr := &dispatch.ValidationError{Fields: map[string]string{}}

	if err := validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("dispatch/request: validate input: %w", err)
		}
		for _, fe := range fieldErrs {
			verr.Fields[fe.Field()] = describe(fe)
		}
	}

	if in.Location != nil {
		var perr *dispatch.ValidationError
		if err := in.Location.Validate(); errors.As(err, &perr) {
			for k, v := range perr.Fields {
				verr.Fields["location."+k] = v
			}
		}
	}

	if cfg.MaxRadiusKm > 0 && in.RadiusKm > cfg.MaxRadiusKm {
		verr.Fields["radius_km"] = fmt.Sprintf("must be at most %g", cfg.MaxRadiusKm)
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "is too long"
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

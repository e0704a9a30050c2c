// Package validate checks HTTP request DTOs with go-playground/validator.
package validate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/talamala/bullion/internal/asset"
)

// Error lists the fields that failed validation.
type Error struct {
	Details map[string]string
}

func (e *Error) Error() string {
	fields := make([]string, 0, len(e.Details))
	for f := range e.Details {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return "invalid request: " + strings.Join(fields, ", ")
}

// validAsset accepts the asset codes the ledger knows.
var validAsset validator.Func = func(fl validator.FieldLevel) bool {
	if c, ok := fl.Field().Interface().(string); ok {
		return asset.Code(c).Valid()
	}
	return false
}

type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("asset", validAsset)
	return &Validator{v: v}
}

// Struct validates s and returns *Error for field failures.
func (v *Validator) Struct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &Error{Details: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		out.Details[fe.Field()] = fmt.Sprintf("failed on '%s' tag", fe.Tag())
	}
	return out
}

// Body parses the request body into dst and validates it.
func (v *Validator) Body(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return v.Struct(dst)
}

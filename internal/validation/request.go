// Package validation checks APR requests before any upstream work is done.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yourorg/autocompound-apr-ea/internal/model"
)

// ErrInvalidRequest wraps every validation failure.
var ErrInvalidRequest = errors.New("invalid request")

var validate = validator.New()

// AprRequest is the validated form of an APR request. Times are epoch milliseconds.
type AprRequest struct {
	PoolNames []model.PoolName `validate:"omitempty,dive,required"`
	StartTime int64            `validate:"gte=0"`
	EndTime   int64            `validate:"gtfield=StartTime"`
}

// PoolLookup reports whether a pool is registered.
type PoolLookup interface {
	Pool(name model.PoolName) (model.PoolInfo, bool)
}

// ValidateRequest applies the struct rules and then checks every named pool against pools.
func ValidateRequest(req AprRequest, pools PoolLookup) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, describe(err))
	}

	for _, name := range req.PoolNames {
		if _, ok := pools.Pool(name); !ok {
			return fmt.Errorf("%w: unknown pool %s", ErrInvalidRequest, name)
		}
	}
	return nil
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return strings.Join(msgs, "; ")
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s must not be empty", field)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "gtfield":
		return fmt.Sprintf("%s must be after %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

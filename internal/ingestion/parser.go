package ingestion

import (
	"TokenLedger/internal/event"
	"TokenLedger/internal/ledger"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrMalformedRequest marks a wire payload that cannot become a transfer request.
var ErrMalformedRequest = errors.New("malformed transfer request")

// TransferRequestJSON is the wire format for transfer instructions, shared by
// the HTTP API and the NATS intake. Amount is a decimal string so no
// precision is lost in transit.
type TransferRequestJSON struct {
	From           string `json:"from_address" validate:"required,max=128"`
	To             string `json:"to_address" validate:"required,max=128"`
	Token          string `json:"token_symbol" validate:"required,alphanum,max=16"`
	Amount         string `json:"amount" validate:"required,positive_amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func getValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		errValidate = v.RegisterValidation("positive_amount", func(fl validator.FieldLevel) bool {
			d, err := decimal.NewFromString(fl.Field().String())
			return err == nil && d.IsPositive()
		})
		validate = v
	})
	return validate, errValidate
}

// ParseTransferRequest decodes and validates a JSON transfer instruction.
// Errors wrap ErrMalformedRequest; an unusable amount also wraps
// ledger.ErrInvalidAmount.
func ParseTransferRequest(data []byte) (*event.TransferRequested, error) {
	var j TransferRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	return j.ToEvent()
}

// ToEvent validates the wire struct and converts it.
func (j TransferRequestJSON) ToEvent() (*event.TransferRequested, error) {
	j.From = strings.TrimSpace(j.From)
	j.To = strings.TrimSpace(j.To)
	j.Token = strings.ToUpper(strings.TrimSpace(j.Token))
	j.Amount = strings.TrimSpace(j.Amount)

	v, err := getValidator()
	if err != nil {
		return nil, fmt.Errorf("%w: validator init: %w", ErrMalformedRequest, err)
	}

	if err := v.Struct(j); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
		}

		msgs := make([]string, 0, len(fieldErrs))
		badAmount := false
		for _, fe := range fieldErrs {
			msgs = append(msgs, describe(fe))
			if fe.Field() == "amount" {
				badAmount = true
			}
		}
		detail := strings.Join(msgs, "; ")
		if badAmount {
			return nil, fmt.Errorf("%w: %w: %s", ErrMalformedRequest, ledger.ErrInvalidAmount, detail)
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedRequest, detail)
	}

	return &event.TransferRequested{
		RequestKey: j.IdempotencyKey,
		From:       j.From,
		To:         j.To,
		Token:      j.Token,
		Amount:     decimal.RequireFromString(j.Amount),
	}, nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("'%s' is required", fe.Field())
	case "max":
		return fmt.Sprintf("'%s' must be at most %s characters", fe.Field(), fe.Param())
	case "alphanum":
		return fmt.Sprintf("'%s' must be alphanumeric", fe.Field())
	case "positive_amount":
		return fmt.Sprintf("'%s' must be a positive decimal", fe.Field())
	default:
		return fmt.Sprintf("'%s' is invalid", fe.Field())
	}
}

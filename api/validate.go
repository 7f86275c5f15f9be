package api

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/warp/settlement-engine/settlement"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Report JSON names, not Go field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	validate.RegisterValidation("payment_method", func(fl validator.FieldLevel) bool {
		switch settlement.PaymentMethod(fl.Field().String()) {
		case settlement.PayFromWallet, settlement.PayExternal:
			return true
		}
		return false
	})
}

// validateStruct returns field -> message, or nil when s is valid.
func validateStruct(s any) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_": err.Error()}
	}

	errs := make(map[string]string)
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			errs[field] = "This field is required"
		case "min":
			errs[field] = "Too few items (min: " + fe.Param() + ")"
		case "max":
			errs[field] = "Value is too long (max: " + fe.Param() + ")"
		case "gte":
			errs[field] = "Value must be at least " + fe.Param()
		case "datetime":
			errs[field] = "Invalid date, expected YYYY-MM-DD"
		case "payment_method":
			errs[field] = "Invalid payment method. Must be: wallet or external"
		default:
			errs[field] = "Invalid value"
		}
	}
	return errs
}

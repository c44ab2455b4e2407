// Package validation provides request validation for the paycore API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/petnest/paycore/internal/commission"
	"github.com/petnest/paycore/internal/idgen"
	"github.com/petnest/paycore/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// RegisterTags adds the paycore struct tags to gin's validator:
//
//	amount    positive decimal string
//	currency  currency with a known minor unit
//	affcode   well-formed affiliate promo code
func RegisterTags() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	return register(v)
}

func register(v *validator.Validate) error {
	for tag, fn := range map[string]validator.Func{
		"amount":   validAmount,
		"currency": validCurrency,
		"affcode":  validAffiliateCode,
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return err
		}
	}
	return nil
}

func validAmount(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(strings.TrimSpace(fl.Field().String()))
	return err == nil && d.Sign() > 0
}

func validCurrency(fl validator.FieldLevel) bool {
	return money.Supported(fl.Field().String())
}

func validAffiliateCode(fl validator.FieldLevel) bool {
	code := fl.Field().String()
	return code == "" || commission.ValidCode(code)
}

// ReferenceParamMiddleware rejects malformed :reference URL parameters early.
func ReferenceParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ref := c.Param("reference")
		if ref != "" && !idgen.IsReference(ref) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_reference",
				"message": "reference is not a payment reference",
			})
			return
		}
		c.Next()
	}
}

// FieldError is one failed field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Describe turns a binding error into field messages for the response.
func Describe(err error) []FieldError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Field: "body", Message: "invalid JSON body"}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: lowerFirst(fe.Field()), Message: message(fe)})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "amount":
		return "must be a positive decimal amount"
	case "currency":
		return "is not a supported currency"
	case "affcode":
		return "is not a valid affiliate code"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "exceeds maximum length"
	case "url":
		return "must be a URL"
	default:
		return "is invalid"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

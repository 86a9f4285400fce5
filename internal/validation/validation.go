package validation

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"lorachat/internal/constants"
	"lorachat/internal/errors"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Struct runs the `validate` tags of v and converts the first failure into a VALIDATION_FAILED error.
func Struct(v interface{}) error {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if stderrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return errors.NewValidationError(fe.Field(), fmt.Sprint(fe.Value()), describe(fe))
	}
	return errors.Wrap(err, errors.ErrCodeValidationFailed, "invalid payload")
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gt":
		return "must be greater than " + fe.Param()
	case "hexadecimal":
		return "must be hexadecimal"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// ValidateSender checks the author field of a message.
func ValidateSender(sender string) error {
	return validateText("from", sender, constants.MaxSenderLength, true)
}

// ValidateBody checks the text of a message.
func ValidateBody(body string) error {
	return validateText("message", body, constants.MaxBodyLength, false)
}

func validateText(field, value string, maxLen int, singleLine bool) error {
	if strings.TrimSpace(value) == "" {
		return errors.NewValidationError(field, value, "must not be empty")
	}
	if len(value) > maxLen {
		return errors.NewValidationError(field, "", fmt.Sprintf("too long (max %d bytes)", maxLen))
	}
	if !utf8.ValidString(value) {
		return errors.NewValidationError(field, "", "must be valid UTF-8")
	}
	for _, r := range value {
		if r == 0 || (singleLine && unicode.IsControl(r)) {
			return errors.NewValidationError(field, "", "contains control characters")
		}
	}
	return nil
}

// ValidateMessageID validates message ID format and length
func ValidateMessageID(messageID string) error {
	if messageID == "" {
		return errors.NewValidationError("id", messageID, "must not be empty")
	}
	if len(messageID) > constants.MaxMessageIDLength {
		return errors.NewValidationError("id", "", fmt.Sprintf("too long (max %d characters)", constants.MaxMessageIDLength))
	}
	for _, char := range messageID {
		if unicode.IsControl(char) || unicode.IsSpace(char) {
			return errors.NewValidationError("id", "", "contains invalid characters")
		}
	}
	return nil
}

// ValidateCreatedAt rejects non-positive logical timestamps.
func ValidateCreatedAt(createdAt int64) error {
	if createdAt <= 0 {
		return errors.NewValidationError("timestamp", fmt.Sprint(createdAt), "must be a positive unix millisecond value")
	}
	return nil
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.NewValidationError("body", "",
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}
	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.NewValidationError(fieldName, fmt.Sprint(value), fmt.Sprintf("too small (min %d)", min))
	}
	if value > max {
		return errors.NewValidationError(fieldName, fmt.Sprint(value), fmt.Sprintf("too large (max %d)", max))
	}
	return nil
}

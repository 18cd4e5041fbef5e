package subscribe

import (
	"announce-notifier/pkg/notifier"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Boundary limits.
const (
	maxTokenLength = 300
	announceIDLen  = 12
	// MaxFollows caps the announcements one device can follow.
	MaxFollows = 100
)

// Request is a device's full set of follow preferences. It replaces the stored record.
type Request struct {
	Token   string           `json:"-" validate:"fcmtoken"`
	Lang    string           `json:"lang" validate:"omitempty,bcp47_language_tag"`
	TZ      string           `json:"tz" validate:"omitempty,timezone"`
	Follows map[string][]int `json:"follows" validate:"max=100,dive,keys,announceid,endkeys,max=24,dive,min=0,max=23"`
}

func isIDChar(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// ValidToken reports whether token looks like a push provider registration token.
func ValidToken(token string) bool {
	if token == "" || len(token) > maxTokenLength {
		return false
	}
	for _, c := range token {
		if !isIDChar(c) && c != ':' && c != '_' && c != '-' {
			return false
		}
	}
	return true
}

// ValidAnnounceID reports whether id is a well-formed announcement ID.
func ValidAnnounceID(id string) bool {
	if len(id) != announceIDLen {
		return false
	}
	for _, c := range id {
		if !isIDChar(c) {
			return false
		}
	}
	return true
}

// NewValidator returns a validator with the token and announcement ID rules registered.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("fcmtoken", func(fl validator.FieldLevel) bool {
		return ValidToken(fl.Field().String())
	})
	_ = v.RegisterValidation("announceid", func(fl validator.FieldLevel) bool {
		return ValidAnnounceID(fl.Field().String())
	})
	return v
}

// validationError turns validator output into a ValidationError naming the first bad field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &notifier.ValidationError{Reason: err.Error()}
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "Request.")
	switch fe.Tag() {
	case "fcmtoken":
		return &notifier.ValidationError{Reason: fmt.Sprintf("token must be 1-%d characters of [A-Za-z0-9:_-]", maxTokenLength)}
	case "announceid":
		return &notifier.ValidationError{Reason: fmt.Sprintf("announcement id %q must be %d alphanumeric characters", fe.Value(), announceIDLen)}
	case "min", "max":
		if field == "Follows" {
			return &notifier.ValidationError{Reason: fmt.Sprintf("at most %d follows allowed", MaxFollows)}
		}
		return &notifier.ValidationError{Reason: fmt.Sprintf("%s value %v out of range", field, fe.Value())}
	default:
		return &notifier.ValidationError{Reason: fmt.Sprintf("%s failed %s check", field, fe.Tag())}
	}
}

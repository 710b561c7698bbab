package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/karmahub/internal/model"
	"github.com/hitoshi/karmahub/internal/security"
)

var phonePattern = regexp.MustCompile(`^\+?[\d\s\-()]+$`)

// fieldLabels はJSONフィールド名から表示用ラベルへの対応表。
var fieldLabels = map[string]string{
	"title":              "Titel",
	"description":        "Beschreibung",
	"category":           "Kategorie",
	"job_type":           "Job-Typ",
	"location":           "Ort",
	"budget":             "Budget",
	"karma_reward":       "Karma-Belohnung",
	"estimated_duration": "Dauer",
	"latitude":           "Breitengrad",
	"longitude":          "Längengrad",
	"requirements":       "Anforderungen",
	"first_name":         "Vorname",
	"last_name":          "Nachname",
	"avatar_url":         "Avatar-URL",
	"bio":                "Bio",
	"phone":              "Telefonnummer",
	"due_date":           "Fälligkeitsdatum",
}

// JobInput はジョブ作成リクエストのスキーマ（jobSchema）。
type JobInput struct {
	Title             string   `json:"title" validate:"required,max=100"`
	Description       string   `json:"description" validate:"max=1000"`
	Category          string   `json:"category" validate:"required"`
	JobType           string   `json:"job_type" validate:"required,oneof=good_deeds kein_bock"`
	Location          string   `json:"location" validate:"required,max=100"`
	Budget            *float64 `json:"budget,omitempty" validate:"omitempty,gte=0"`
	KarmaReward       *int     `json:"karma_reward,omitempty" validate:"omitempty,gte=0"`
	EstimatedDuration *int     `json:"estimated_duration,omitempty" validate:"omitempty,gte=1"`
	DueDate           *string  `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Latitude          *float64 `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude         *float64 `json:"longitude,omitempty" validate:"omitempty,longitude"`
	Requirements      []string `json:"requirements,omitempty" validate:"max=10,dive,max=100"`
}

// ProfileInput はプロフィール更新リクエストのスキーマ。
// nilのフィールドは更新対象外を意味する。
type ProfileInput struct {
	FirstName *string `json:"first_name,omitempty" validate:"omitempty,personname"`
	LastName  *string `json:"last_name,omitempty" validate:"omitempty,personname"`
	AvatarURL *string `json:"avatar_url,omitempty" validate:"omitempty,url,publicurl,max=2048"`
	Bio       *string `json:"bio,omitempty" validate:"omitempty,max=500"`
	Location  *string `json:"location,omitempty" validate:"omitempty,max=100"`
	Phone     *string `json:"phone,omitempty" validate:"omitempty,phone"`
}

// SchemaValidator はvalidator/v10をラップし、違反をドイツ語メッセージに変換する。
type SchemaValidator struct {
	validate *validator.Validate
}

// NewSchemaValidator はカスタムルール（personname, phone, publicurl）を登録したSchemaValidatorを生成する。
func NewSchemaValidator() *SchemaValidator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	// 登録は起動時のみで、失敗はプログラミングエラー
	if err := v.RegisterValidation("personname", func(fl validator.FieldLevel) bool {
		return ValidateName(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("register personname validation: %v", err))
	}
	if err := v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("register phone validation: %v", err))
	}
	if err := v.RegisterValidation("publicurl", func(fl validator.FieldLevel) bool {
		return security.ValidatePublicURL(fl.Field().String()) == nil
	}); err != nil {
		panic(fmt.Sprintf("register publicurl validation: %v", err))
	}

	return &SchemaValidator{validate: v}
}

// ValidateJob はジョブ入力を検証し、全テキストフィールドをサニタイズした値を返す。
// 生の入力とサニタイズ後の入力の両方を検証するため、
// サニタイズによって必須項目が空になる入力も拒否される。
func (s *SchemaValidator) ValidateJob(in JobInput) (JobInput, error) {
	violations := s.collect(in)

	out := in
	out.Title = SanitizeInput(in.Title)
	out.Description = SanitizeInput(in.Description)
	out.Category = SanitizeInput(in.Category)
	out.Location = SanitizeInput(in.Location)
	if in.Requirements != nil {
		out.Requirements = make([]string, len(in.Requirements))
		for i, req := range in.Requirements {
			out.Requirements[i] = SanitizeInput(req)
		}
	}

	violations = appendUnique(violations, s.collect(out)...)
	if len(violations) > 0 {
		return JobInput{}, model.NewValidationError(violations...)
	}
	return out, nil
}

// ValidateProfile はプロフィール入力を検証し、サニタイズ済みの値を返す。
func (s *SchemaValidator) ValidateProfile(in ProfileInput) (ProfileInput, error) {
	violations := s.collect(in)

	out := ProfileInput{
		FirstName: SanitizeOptional(in.FirstName),
		LastName:  SanitizeOptional(in.LastName),
		AvatarURL: SanitizeOptional(in.AvatarURL),
		Bio:       SanitizeOptional(in.Bio),
		Location:  SanitizeOptional(in.Location),
		Phone:     SanitizeOptional(in.Phone),
	}

	violations = appendUnique(violations, s.collect(out)...)
	if len(violations) > 0 {
		return ProfileInput{}, model.NewValidationError(violations...)
	}
	return out, nil
}

// collect は構造体を検証し、全違反メッセージを返す。
func (s *SchemaValidator) collect(v any) []string {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{"Ungültige Eingabe."}
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return msgs
}

// describe は1件のフィールド違反をユーザー向けメッセージに変換する。
func describe(fe validator.FieldError) string {
	field := fe.Field()
	// dive対象（requirements[3]など）は親フィールドのラベルを使う
	if i := strings.Index(field, "["); i > 0 {
		field = field[:i]
	}
	label, ok := fieldLabels[field]
	if !ok {
		label = field
	}

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s ist erforderlich", label)
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s: zu viele Einträge (maximal %s)", label, fe.Param())
		}
		return fmt.Sprintf("%s ist zu lang (maximal %s Zeichen)", label, fe.Param())
	case "gte":
		return fmt.Sprintf("%s muss mindestens %s sein", label, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s ist ungültig", label)
	case "personname":
		return fmt.Sprintf("%s darf nur Buchstaben, Leerzeichen, Bindestriche und Apostrophe enthalten (1-50 Zeichen)", label)
	case "phone":
		return "Ungültiges Telefonnummernformat"
	case "datetime":
		return fmt.Sprintf("%s muss im Format JJJJ-MM-TT sein", label)
	case "url", "publicurl":
		return fmt.Sprintf("%s ist keine gültige URL", label)
	default:
		return fmt.Sprintf("%s ist ungültig", label)
	}
}

func appendUnique(dst []string, src ...string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, s := range dst {
		seen[s] = struct{}{}
	}
	for _, s := range src {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		dst = append(dst, s)
	}
	return dst
}

package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = validate.RegisterValidation("calctype", func(fl validator.FieldLevel) bool {
			return CalcType(fl.Field().String()).IsValid()
		})
		_ = validate.RegisterValidation("schedtype", func(fl validator.FieldLevel) bool {
			return ScheduleType(fl.Field().String()).IsValid()
		})
	})
	return validate
}

// validateStruct runs the tag rules on v and converts failures to a ValidationError
func validateStruct(v interface{}) *ValidationError {
	ve := &ValidationError{}
	err := validatorInstance().Struct(v)
	if err == nil {
		return ve
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		ve.Add("_", err.Error())
		return ve
	}
	for _, fe := range fieldErrs {
		ve.Add(fieldKey(fe), fieldMessage(fe))
	}
	return ve
}

// fieldKey strips the struct name so nested fields read like "condicoes[0].coluna"
func fieldKey(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "campo obrigatório"
	case "max":
		return fmt.Sprintf("máximo de %s caracteres", fe.Param())
	case "gte":
		return fmt.Sprintf("deve ser maior ou igual a %s", fe.Param())
	case "lte":
		return fmt.Sprintf("deve ser menor ou igual a %s", fe.Param())
	case "hexcolor":
		return "cor inválida"
	case "oneof", "calctype", "schedtype":
		return "valor não suportado"
	default:
		return "valor inválido"
	}
}

// Validate normalizes the definition and checks it can be stored
func (i *Indicator) Validate() error {
	i.Normalize()
	ve := validateStruct(i)

	switch i.CalcType {
	case CalcTimeDiff:
		if i.StartColumn == "" {
			ve.Add("coluna_data_inicio", "campo obrigatório para diferença de tempo")
		}
		if i.EndColumn == "" {
			ve.Add("coluna_data_fim", "campo obrigatório para diferença de tempo")
		}
	case CalcTimeSinceNow:
		if i.StartColumn == "" {
			ve.Add("coluna_data_inicio", "campo obrigatório para tempo até agora")
		}
	case CalcSum, CalcMean:
		if i.EndColumn == "" {
			ve.Add("coluna_data_fim", "informe a coluna numérica")
		}
	case CalcTargetPercent:
		if i.StartColumn == "" || i.EndColumn == "" {
			ve.Add("coluna_data_inicio", "informe as colunas de início e fim")
		}
		if i.TargetValue == nil {
			ve.Add("meta_valor", "campo obrigatório para % dentro da meta")
		}
	}
	if i.FilterHours > 0 && i.FilterColumn == "" {
		ve.Add("coluna_data_filtro", "informe a coluna de data do filtro")
	}
	if i.CountBy == CountOccurrences && i.OccurrenceColumn == "" {
		ve.Add("coluna_ocorrencia", "informe a coluna que identifica a ocorrência")
	}
	return ve.OrNil()
}

// ValidateWindows checks only the time window fields. Unsaved definitions
// are computed on request, so their spans must stay within the stored limits.
func (i *Indicator) ValidateWindows() error {
	ve := &ValidationError{}
	err := validatorInstance().StructPartial(i, "FilterHours", "ChartHours", "ChartIntervalMinutes")
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			ve.Add(fieldKey(fe), fieldMessage(fe))
		}
	}
	return ve.OrNil()
}

// ParseDecimal parses user-entered numbers. It accepts "15", "1.5", "1,5"
// and "1:30" (minutes:seconds, returned as fractional minutes).
func ParseDecimal(s string) (*float64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return nil, nil
	}
	if mins, secs, ok := strings.Cut(s, ":"); ok {
		m, err := strconv.ParseFloat(strings.TrimSpace(mins), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidInput, s)
		}
		var sec float64
		if strings.TrimSpace(secs) != "" {
			sec, err = strconv.ParseFloat(strings.TrimSpace(secs), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidInput, s)
			}
		}
		v := m + sec/60
		return &v, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInput, s)
	}
	return &v, nil
}

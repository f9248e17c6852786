package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"storystudio/domain"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("batch_job_type", validateBatchJobType)
	return v
}

// validateBatchJobType accepts job types that fan out over targets.
func validateBatchJobType(fl validator.FieldLevel) bool {
	_, ok := domain.JobType(fl.Field().String()).BatchTarget()
	return ok
}

// validationError turns validator output into one CodeParamInvalid error
// naming every offending field.
func validationError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return domain.Wrap(domain.CodeParamInvalid, err)
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s(%s=%s)", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
	}
	return domain.Errorf(domain.CodeParamInvalid, "参数校验失败: %s", strings.Join(parts, ", "))
}

package compliance

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/certa-labs/certa/engine/core"
)

var (
	validateOnce sync.Once
	jobValidator *validator.Validate
)

// Validate checks the job payload. Policy titles must be unique because
// outcomes are keyed by title.
func (j *Job) Validate() error {
	validateOnce.Do(func() {
		jobValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := jobValidator.Struct(j); err != nil {
		return core.NewError(fmt.Errorf("invalid compliance job: %w", err), core.ErrCodeConfiguration, nil)
	}
	return nil
}

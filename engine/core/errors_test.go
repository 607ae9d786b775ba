package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/certa-labs/certa/engine/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	t.Run("Should prefix the message with the code", func(t *testing.T) {
		err := core.NewError(errors.New("template missing"), core.ErrCodeConfiguration, nil)
		assert.Equal(t, "CONFIGURATION_ERROR: template missing", err.Error())
	})
	t.Run("Should use the code as message when no cause is given", func(t *testing.T) {
		err := core.NewError(nil, core.ErrCodeRetrievalEmpty, nil)
		assert.Equal(t, "RETRIEVAL_EMPTY: RETRIEVAL_EMPTY", err.Error())
		assert.Nil(t, err.Unwrap())
	})
	t.Run("Should unwrap to the cause", func(t *testing.T) {
		cause := errors.New("dial tcp: refused")
		err := core.NewError(cause, core.ErrCodeProvider, map[string]any{"provider": "openai"})
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, map[string]any{
			"message": "dial tcp: refused",
			"code":    core.ErrCodeProvider,
			"details": map[string]any{"provider": "openai"},
		}, err.AsMap())
	})
}

func TestIsCode(t *testing.T) {
	t.Run("Should find codes through fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("policy %q: %w", "Privacy", core.NewError(errors.New("bad"), core.ErrCodeParse, nil))
		assert.True(t, core.IsCode(err, core.ErrCodeParse))
		assert.Equal(t, core.ErrCodeParse, core.ErrorCode(err))
	})
	t.Run("Should find nested codes", func(t *testing.T) {
		inner := core.NewError(errors.New("timeout"), core.ErrCodeProvider, nil)
		outer := core.NewError(fmt.Errorf("consensus query: %w", inner), core.ErrCodeJob, nil)
		assert.True(t, core.IsCode(outer, core.ErrCodeProvider))
		assert.True(t, core.IsCode(outer, core.ErrCodeJob))
		assert.False(t, core.IsCode(outer, core.ErrCodeConfiguration))
	})
	t.Run("Should report no code for plain errors", func(t *testing.T) {
		require.Empty(t, core.ErrorCode(errors.New("plain")))
		assert.False(t, core.IsCode(nil, core.ErrCodeParse))
	})
}

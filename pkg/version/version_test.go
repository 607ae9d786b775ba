package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	t.Run("Should prefer injected values", func(t *testing.T) {
		orig := Version
		t.Cleanup(func() { Version = orig })
		Version = "v1.2.3"

		info := Get()
		assert.Equal(t, "v1.2.3", info.Version)
		assert.Equal(t, runtime.Version(), info.GoVersion)
		assert.NotEmpty(t, info.CommitHash)
	})
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/tidwall/pretty"
)

// isRunningInCI checks if we're running in a CI/CD environment
func isRunningInCI() bool {
	if os.Getenv("CI") != "" {
		return true
	}
	return hasAnyEnvVar(getCIEnvironmentVars())
}

// getCIEnvironmentVars returns list of CI environment variables
func getCIEnvironmentVars() []string {
	return []string{
		"JENKINS_HOME",
		"GITHUB_ACTIONS",
		"GITLAB_CI",
		"CIRCLECI",
		"TRAVIS",
		"BUILDKITE",
		"DRONE",
		"TF_BUILD", // Azure DevOps
		"CODEBUILD_BUILD_ID",
		"CONTINUOUS_INTEGRATION",
	}
}

func hasAnyEnvVar(vars []string) bool {
	for _, v := range vars {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}

// shouldUseColor reports whether w is an interactive terminal that accepts
// ANSI colors.
func shouldUseColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" || isRunningInCI() {
		return false
	}
	term := os.Getenv("TERM")
	if term == "dumb" || term == "" {
		return false
	}
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// writeJSON pretty prints v to w, colorized on terminals.
func writeJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	out := pretty.Pretty(data)
	if shouldUseColor(w) {
		out = pretty.Color(out, nil)
	}
	_, err = w.Write(out)
	return err
}

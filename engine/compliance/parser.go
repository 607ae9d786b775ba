package compliance

import (
	"encoding/csv"
	"errors"
	"regexp"
	"strings"

	"github.com/certa-labs/certa/engine/core"
)

// ErrMissingSections is returned when an answer lacks the explanation or requirements block.
var ErrMissingSections = errors.New("Invalid response format - missing required sections") //nolint:staticcheck // user-facing text

var (
	remediationPattern = regexp.MustCompile(`(?i)remediation\s+steps:?\s*\n([\s\S]*)`)
	stepMarkerPattern  = regexp.MustCompile(`^[\d*.\-]+[.)]?\s*`)
)

const (
	defaultEvidenceSpot = "None"
	csvColumns          = 5
	minCSVColumns       = 2
)

// ParseComplianceResponse turns a free-form model answer into a Result.
// The answer is expected to hold an explanation paragraph, a CSV block and
// an optional "Remediation Steps:" list, separated by blank lines.
func ParseComplianceResponse(response string) (*Result, error) {
	cleaned := CleanResponse(response)
	sections := splitSections(cleaned)
	if len(sections) < 2 {
		return nil, core.NewError(ErrMissingSections, core.ErrCodeParse, nil)
	}
	explanation := sections[0]
	csvPart := sections[1]
	for _, s := range sections {
		if strings.HasPrefix(strings.ToLower(s), "requirement") {
			csvPart = s
			break
		}
	}
	remediationSection := ""
	if len(sections) > 2 {
		remediationSection = sections[2]
	}
	for _, s := range sections {
		if strings.Contains(strings.ToLower(s), "remediation steps") {
			remediationSection = s
			break
		}
	}
	requirements := parseCSVRequirements(csvPart)
	counts := Counts{}
	for i := range requirements {
		switch requirements[i].Status {
		case RequirementMet:
			counts.Met++
		case RequirementPartiallyMet:
			counts.Partial++
		}
		counts.Total++
	}
	result := &Result{
		ComplianceStatus:   DetermineComplianceStatus(counts),
		Requirements:       requirements,
		OverallExplanation: explanation,
	}
	if steps := extractRemediationSteps(remediationSection); len(steps) > 0 {
		result.RemediationSteps = steps
	}
	return result, nil
}

func splitSections(text string) []string {
	parts := strings.Split(text, "\n\n")
	sections := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			sections = append(sections, s)
		}
	}
	return sections
}

// parseCSVRequirements skips the header line and any row that does not
// split into two to five fields. Missing trailing cells read as empty.
func parseCSVRequirements(csvPart string) []RequirementFinding {
	lines := make([]string, 0)
	for _, line := range strings.Split(csvPart, "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 2 {
		return []RequirementFinding{}
	}
	findings := make([]RequirementFinding, 0, len(lines)-1)
	for _, line := range lines[1:] {
		fields, ok := splitCSVRow(line)
		if !ok {
			continue
		}
		location := fields[3]
		if location == "" {
			location = defaultEvidenceSpot
		}
		explanation := fields[4]
		if explanation == "" {
			explanation = fields[1]
		}
		findings = append(findings, RequirementFinding{
			Requirement: fields[0],
			Status:      ConvertToRequirementStatus(fields[1]),
			Evidence:    []Evidence{{Text: fields[2], Location: location}},
			Explanation: explanation,
		})
	}
	return findings
}

// splitCSVRow reads one row, keeping empty cells in place. Stray quotes
// inside cells are tolerated.
func splitCSVRow(line string) ([]string, bool) {
	reader := csv.NewReader(strings.NewReader(line))
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	record, err := reader.Read()
	if err != nil || len(record) < minCSVColumns || len(record) > csvColumns {
		return nil, false
	}
	fields := make([]string, csvColumns)
	for i := range record {
		fields[i] = strings.TrimSpace(record[i])
	}
	return fields, true
}

func extractRemediationSteps(text string) []string {
	match := remediationPattern.FindStringSubmatch(text)
	if len(match) < 2 || match[1] == "" {
		return nil
	}
	steps := make([]string, 0)
	for _, line := range strings.Split(match[1], "\n") {
		step := strings.TrimSpace(stepMarkerPattern.ReplaceAllString(line, ""))
		if step != "" {
			steps = append(steps, step)
		}
	}
	return steps
}

// DetermineComplianceStatus weighs partially met requirements at 0.75.
// An empty tally is VeryUnclear rather than a silent Yes or No.
func DetermineComplianceStatus(counts Counts) ComplianceStatus {
	if counts.Total == 0 {
		return StatusVeryUnclear
	}
	rate := (float64(counts.Met) + float64(counts.Partial)*0.75) / float64(counts.Total)
	switch {
	case rate == 1:
		return StatusYes
	case rate >= 0.7:
		return StatusLeanYes
	case rate <= 0.3:
		return StatusNo
	case rate <= 0.5:
		return StatusLeanNo
	default:
		return StatusVeryUnclear
	}
}

// ConvertToRequirementStatus maps model wording to a status. Anything
// unrecognized is NotMet.
func ConvertToRequirementStatus(status string) RequirementStatus {
	lower := strings.ToLower(strings.TrimSpace(status))
	switch {
	case lower == "met":
		return RequirementMet
	case strings.Contains(lower, "partial"):
		return RequirementPartiallyMet
	default:
		return RequirementNotMet
	}
}

// CleanResponse drops leading preface lines such as "Original Answer:" or
// "New Context:" and blank lines before the first substantive line.
func CleanResponse(response string) string {
	lines := strings.Split(response, "\n")
	start := 0
	for i, raw := range lines {
		if isPrefaceLine(strings.ToLower(raw)) {
			continue
		}
		start = i
		break
	}
	return strings.Join(lines[start:], "\n")
}

func isPrefaceLine(line string) bool {
	if strings.TrimSpace(line) == "" {
		return true
	}
	if strings.Contains(line, "original") &&
		(strings.Contains(line, "answer") || strings.Contains(line, "analysis") || strings.Contains(line, "findings")) {
		return true
	}
	return strings.Contains(line, "new context") ||
		strings.Contains(line, "additional context") ||
		strings.Contains(line, "maintain original")
}

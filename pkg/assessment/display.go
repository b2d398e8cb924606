package assessment

// DisplayState is the user-facing state of an artifact under one plugin.
type DisplayState string

const (
	DisplayNotAssessed          DisplayState = "not_assessed"
	DisplayInProgress           DisplayState = "in_progress"
	DisplayFailed               DisplayState = "assessment_failed"
	DisplayAssessedNoIssues     DisplayState = "assessed_no_issues"
	DisplayAssessedWithFindings DisplayState = "assessed_with_findings"
)

// StateOf derives the display state from the latest run of a plugin. A nil
// run means the artifact was never assessed.
func StateOf(run *AssessmentRun) DisplayState {
	if run == nil {
		return DisplayNotAssessed
	}
	switch run.Status {
	case RunStatusPending, RunStatusRunning:
		return DisplayInProgress
	case RunStatusFailed:
		return DisplayFailed
	}
	res, err := run.DecodeResult()
	if err != nil || res == nil {
		return DisplayFailed
	}
	if res.Summary.TotalFindings > 0 {
		return DisplayAssessedWithFindings
	}
	return DisplayAssessedNoIssues
}

package cliagent

// Flags understood by cursor-agent.
const (
	flagPrint           = "--print"
	flagOutputFormat    = "--output-format"
	outputStreamJSON    = "stream-json"
	flagSessionID       = "--session-id"
	flagModel           = "--model"
	flagReasoningEffort = "--reasoning-effort"
	flagForce           = "--force"
	flagCwd             = "--cwd"
)

// invocation holds the per-turn values that shape the argument vector.
type invocation struct {
	ResumeID        string
	Model           string
	ReasoningEffort string
	WorkDir         string
	Prompt          string
	ExtraArgs       []string
}

// buildArgs returns the argument vector. The prompt is always last.
func buildArgs(inv invocation) []string {
	args := []string{flagPrint, flagOutputFormat, outputStreamJSON}
	if inv.ResumeID != "" {
		args = append(args, flagSessionID, inv.ResumeID)
	}
	if inv.Model != "" {
		args = append(args, flagModel, inv.Model)
	}
	if inv.ReasoningEffort != "" {
		args = append(args, flagReasoningEffort, inv.ReasoningEffort)
	}
	args = append(args, flagForce)
	if inv.WorkDir != "" {
		args = append(args, flagCwd, inv.WorkDir)
	}
	args = append(args, inv.ExtraArgs...)
	return append(args, inv.Prompt)
}

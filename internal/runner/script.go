package runner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spillwaylabs/spillway/pkg/api"
)

// buildRunScript renders the task into a self-contained bash script. Inputs
// are available under ./input, outputs are expected under ./output, both
// relative to the job workspace.
func buildRunScript(spec api.JobSpec) []byte {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -uo pipefail\n\n")

	// Deterministic env ordering keeps the script stable for checksumming.
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(spec.Env[k]))
	}

	fmt.Fprintf(&b, "export SPILLWAY_INPUT_DIR=%s\n", shellQuote(WorkDir(spec.CorrelationID)+"/input"))
	fmt.Fprintf(&b, "export SPILLWAY_OUTPUT_DIR=%s\n", shellQuote(WorkDir(spec.CorrelationID)+"/output"))

	if spec.WorkDir != "" && spec.WorkDir != "/" {
		fmt.Fprintf(&b, "cd %s\n", shellQuote(spec.WorkDir))
	}

	b.WriteString("\n")
	b.WriteString(spec.Command)
	for _, arg := range spec.Args {
		b.WriteString(" ")
		b.WriteString(shellQuote(arg))
	}
	b.WriteString("\n")
	return []byte(b.String())
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$`&|;<>(){}*?#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

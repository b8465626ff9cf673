package provision

import (
	"strings"

	"github.com/terrpan/runnerguard/internal/runner"
)

// ConfigCommand returns the shell command that brings up a runner with the
// issued credential.
//
// Registration token flow:
//
//	./config.sh --url URL --token TOKEN --name NAME --unattended [--labels a,b] [--ephemeral] [--disableupdate]
//
// JIT flow:
//
//	./run.sh --jitconfig CONFIG
func ConfigCommand(method runner.ProvisioningMethod, url, credential, name string, labels []string, ephemeral, disableUpdate bool) string {
	if method == runner.MethodJIT {
		return "./run.sh --jitconfig " + credential
	}

	var b strings.Builder
	b.WriteString("./config.sh")
	b.WriteString(" --url " + url)
	b.WriteString(" --token " + credential)
	b.WriteString(" --name " + name)
	b.WriteString(" --unattended")
	if len(labels) > 0 {
		b.WriteString(" --labels " + strings.Join(labels, ","))
	}
	if ephemeral {
		b.WriteString(" --ephemeral")
	}
	if disableUpdate {
		b.WriteString(" --disableupdate")
	}
	return b.String()
}

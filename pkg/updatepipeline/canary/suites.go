package canary

import (
	"fmt"

	v1 "github.com/codefleet/codefleet/api/control/v1"
)

// Case is one canary scenario tagged with the provider it exercises.
// Cases for providers the build does not bundle are skipped.
type Case struct {
	Name     string
	Provider v1.ProviderID
}

// Suite groups cases under one hard deadline. A zero TimeoutMs falls back
// to the runner's default.
type Suite struct {
	Name      string
	TimeoutMs int
	Cases     []Case
}

// Default suite names.
const (
	SuiteAdapterContract = "adapter_contract"
	SuiteGoldenPath      = "golden_path"
	SuiteApprovalGate    = "approval_gate"
	SuiteMetering        = "metering"
)

var defaultScenarios = map[string][]string{
	SuiteAdapterContract: {"spawn", "stream_output", "graceful_stop"},
	SuiteGoldenPath:      {"create_session", "complete_task"},
	SuiteApprovalGate:    {"request_approval", "deny_blocks_action"},
	SuiteMetering:        {"usage_reported"},
}

var defaultSuiteOrder = []string{
	SuiteAdapterContract,
	SuiteGoldenPath,
	SuiteApprovalGate,
	SuiteMetering,
}

// DefaultSuites enumerates the standard canary scenarios across every
// supported provider.
func DefaultSuites() []Suite {
	var suites []Suite
	for _, name := range defaultSuiteOrder {
		var cases []Case
		for _, scenario := range defaultScenarios[name] {
			for _, provider := range v1.AllProviders {
				cases = append(cases, Case{
					Name:     fmt.Sprintf("%s/%s/%s", name, scenario, provider),
					Provider: provider,
				})
			}
		}
		suites = append(suites, Suite{Name: name, Cases: cases})
	}
	return suites
}

package v1

// ProviderID identifies a supported AI coding CLI family.
type ProviderID string

const (
	ProviderCodex      ProviderID = "codex"
	ProviderClaudeCode ProviderID = "claude_code"
	ProviderGeminiCLI  ProviderID = "gemini_cli"
	ProviderOmnara     ProviderID = "omnara"
)

// AllProviders lists every ProviderID in a stable order.
var AllProviders = []ProviderID{
	ProviderCodex,
	ProviderClaudeCode,
	ProviderGeminiCLI,
	ProviderOmnara,
}

// IsValidProvider reports whether p names one of the supported providers.
func IsValidProvider(p ProviderID) bool {
	switch p {
	case ProviderCodex, ProviderClaudeCode, ProviderGeminiCLI, ProviderOmnara:
		return true
	}
	return false
}

// Channel is a release track with its own canary threshold and rollout
// stage list.
type Channel string

const (
	ChannelStable Channel = "stable"
	ChannelBeta   Channel = "beta"
	ChannelPinned Channel = "pinned"
)

// ChannelConfig describes how builds reach organizations on a channel.
type ChannelConfig struct {
	Channel           Channel `json:"channel"`
	RequiresCanary    bool    `json:"requiresCanary"`
	CanaryThreshold   float64 `json:"canaryThreshold"`
	RolloutStages     []int   `json:"rolloutStages"`
	RolloutDelayHours int     `json:"rolloutDelayHours"`
}

// ChannelConfigs is the fixed per-channel rollout policy table.
var ChannelConfigs = map[Channel]ChannelConfig{
	ChannelStable: {
		Channel:           ChannelStable,
		RequiresCanary:    true,
		CanaryThreshold:   0.95,
		RolloutStages:     []int{1, 10, 50, 100},
		RolloutDelayHours: 24,
	},
	ChannelBeta: {
		Channel:           ChannelBeta,
		RequiresCanary:    true,
		CanaryThreshold:   0.80,
		RolloutStages:     []int{10, 50, 100},
		RolloutDelayHours: 6,
	},
	ChannelPinned: {
		Channel:           ChannelPinned,
		RequiresCanary:    false,
		CanaryThreshold:   0,
		RolloutStages:     []int{100},
		RolloutDelayHours: 0,
	},
}

// IsValidChannel reports whether c names a configured channel.
func IsValidChannel(c Channel) bool {
	_, ok := ChannelConfigs[c]
	return ok
}

package agent

import (
	"strings"

	"github.com/ruoliu2/partassist/internal/catalog"
)

// Intent is the coarse question category used to steer the first tool call.
type Intent string

// Supported intents.
const (
	IntentCompatibility Intent = "compatibility"
	IntentInstall       Intent = "install"
	IntentRepair        Intent = "repair"
	IntentGeneral       Intent = "general"
)

var repairCues = []string{
	"not draining", "not starting", "won't start", "wont start", "not working",
	"leaking", "leaks", "noisy", "noise", "broken", "error code", "not heating",
	"not cooling", "not spinning", "stopped",
}

var installCues = []string{
	"install", "replace", "replacing", "how do i", "how to", "put in", "swap",
}

// InferIntent guesses what the user is after from identifiers and phrasing.
// A model and a part together mean a compatibility check regardless of the
// surrounding words.
func InferIntent(query string) Intent {
	lower := strings.ToLower(query)
	model := catalog.ExtractModelNumber(query)
	part := catalog.ExtractPartNumber(query)

	if model != "" && part != "" {
		return IntentCompatibility
	}
	for _, cue := range installCues {
		if strings.Contains(lower, cue) {
			return IntentInstall
		}
	}
	for _, cue := range repairCues {
		if strings.Contains(lower, cue) {
			return IntentRepair
		}
	}
	return IntentGeneral
}

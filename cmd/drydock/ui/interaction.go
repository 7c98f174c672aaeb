package ui

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Live output needs a terminal on stderr and none of these opt-outs.
var noInteractionEnv = []string{"DRYDOCK_NO_INTERACTION", "NO_INTERACTION", "CI"}

var interaction struct {
	mu          sync.RWMutex
	configured  bool
	interactive bool
}

// ConfigureInteraction picks live or line output and the colour profile to
// match. Commands call it once flags are parsed.
func ConfigureInteraction(noInteraction bool) {
	live := !noInteraction && liveOutputAllowed(os.Getenv, isTerminal(os.Stderr))

	interaction.mu.Lock()
	interaction.configured = true
	interaction.interactive = live
	interaction.mu.Unlock()

	profile := termenv.Ascii
	if live {
		profile = termenv.NewOutput(os.Stderr).EnvColorProfile()
	}
	lipgloss.SetColorProfile(profile)
}

func IsInteractive() bool {
	interaction.mu.RLock()
	configured, live := interaction.configured, interaction.interactive
	interaction.mu.RUnlock()
	if configured {
		return live
	}
	ConfigureInteraction(false)
	return IsInteractive()
}

func liveOutputAllowed(getenv func(string) string, tty bool) bool {
	if !tty {
		return false
	}
	for _, key := range noInteractionEnv {
		if truthy(getenv(key)) {
			return false
		}
	}
	return !strings.EqualFold(strings.TrimSpace(getenv("TERM")), "dumb")
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/vadiminshakov/settle/internal/domain"
)

const rule = 70

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func coloredStatus(status domain.CanonicalStatus) string {
	s := status.String()

	switch status {
	case domain.StatusSuccessful:
		return color.GreenString(s)
	case domain.StatusFailed:
		return color.RedString(s)
	default:
		return color.YellowString(s)
	}
}

func coloredPhase(phase domain.Phase) string {
	s := string(phase)

	switch phase {
	case domain.PhaseComplete:
		return color.GreenString(s)
	case domain.PhaseFailed:
		return color.RedString(s)
	default:
		return color.CyanString(s)
	}
}

// printUpdate renders one poll result on a single line.
func printUpdate(state domain.ReconciliationState) {
	line := fmt.Sprintf("  [%6.1fs] poll #%d  %s", state.ElapsedSeconds, state.Attempts, coloredStatus(state.Status))
	if state.Stuck && !state.Phase.IsFinal() {
		line += color.MagentaString("  taking longer than usual")
	}
	fmt.Println(line)
}

func printState(state domain.ReconciliationState) {
	fmt.Println("\n" + strings.Repeat("=", rule))
	color.Green("                        TRANSFER STATUS")
	fmt.Println(strings.Repeat("=", rule))

	fmt.Printf("\n  Reference:       %s\n", color.CyanString(state.ReferenceID))
	fmt.Printf("  Phase:           %s\n", coloredPhase(state.Phase))
	fmt.Printf("  Status:          %s\n", coloredStatus(state.Status))
	fmt.Printf("  Elapsed:         %.1fs\n", state.ElapsedSeconds)
	fmt.Printf("  Polls:           %d\n", state.Attempts)
	if state.TransactionID != "" {
		fmt.Printf("  Transaction:     %s\n", color.HiBlackString(state.TransactionID))
	}
	if state.Degraded {
		fmt.Printf("  Note:            %s\n", color.YellowString("reference generated locally, provider did not acknowledge the submission"))
	}
	if state.TornDown && !state.Handled {
		fmt.Printf("  Note:            %s\n", color.YellowString("stopped before a terminal status, resume with: settle track %s", state.ReferenceID))
	}
	if state.Stuck && !state.Phase.IsFinal() {
		fmt.Printf("  Hint:            %s\n", color.MagentaString("this transfer is taking longer than usual"))
	}

	fmt.Println("\n" + strings.Repeat("=", rule) + "\n")
}

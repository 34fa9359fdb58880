package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/telemetry"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printEntity prints the entity document, or a short summary unless
// --json is set.
func printEntity(e *engine.Entity) error {
	if jsonOutput {
		doc, err := e.ToDocument()
		if err != nil {
			return err
		}
		return printJSON(doc)
	}

	fmt.Printf("%s\n", e.Key())
	if e.EntityType != engine.EntityRun {
		if state := e.Status.State; state != "" {
			fmt.Printf("  state:   %s\n", state)
		}
		if len(e.Status.Files) > 0 {
			fmt.Printf("  files:   %d\n", len(e.Status.Files))
		}
		return nil
	}
	printRunStatus(e)
	return nil
}

func printRunStatus(run *engine.Entity) {
	fmt.Printf("  state:   %s\n", run.Status.State)
	if run.Status.Message != "" {
		fmt.Printf("  message: %s\n", run.Status.Message)
	}
	for _, w := range run.Status.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	if len(run.Status.Outputs) > 0 {
		names := make([]string, 0, len(run.Status.Outputs))
		for name := range run.Status.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("  outputs:")
		for _, name := range names {
			fmt.Printf("    %s: %s\n", name, run.Status.Outputs[name])
		}
	}
	if len(run.Status.History) > 0 {
		states := make([]string, 0, len(run.Status.History))
		for _, tr := range run.Status.History {
			states = append(states, string(tr.To))
		}
		fmt.Printf("  history: %s\n", strings.Join(states, " -> "))
	}
}

func printHandle(h *engine.RunHandle) error {
	if jsonOutput {
		return printJSON(h)
	}
	fmt.Printf("%s\n  runtime: %s\n  state:   %s\n", h.Run, h.Runtime, h.State)
	if h.NativeID != "" {
		fmt.Printf("  native:  %s\n", h.NativeID)
	}
	return nil
}

// followRun prints the state changes of run on stderr while a command
// waits on it.
func followRun(a *app, run string) {
	a.telemetry.Events.Subscribe(func(e telemetry.Event) {
		fmt.Fprintf(os.Stderr, "%s  %s\n", e.Timestamp.Local().Format("15:04:05"), e.Message)
	}, telemetry.FilterByRun(run))
}

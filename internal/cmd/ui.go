package cmd

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/liuxd6825/devtools/cmd/state"
	"github.com/liuxd6825/devtools/lib/consts"
)

func getColor(noColor bool, attributes ...color.Attribute) *color.Color {
	c := color.New(attributes...)
	if noColor {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c
}

func getBanner(noColor bool) string {
	return getColor(noColor, color.FgCyan).Sprint(consts.Banner())
}

func noColor(gs *state.GlobalState) bool {
	return gs.Flags.NoColor || !gs.Stdout.IsTTY
}

func printBanner(gs *state.GlobalState) {
	if gs.Flags.Quiet {
		return
	}
	printToStdout(gs, fmt.Sprintf("\n%s\n\n", getBanner(noColor(gs))))
}

// valueColor formats summary values.
func valueColor(gs *state.GlobalState) *color.Color {
	return getColor(noColor(gs), color.FgCyan, color.Bold)
}

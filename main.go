package main

import "github.com/liuxd6825/devtools/internal/cmd"

func main() {
	cmd.Execute()
}

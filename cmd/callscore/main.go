// Package main provides the callscore CLI tool.
//
// Usage:
//
//	callscore [flags] <command> [args]
//
// Commands:
//
//	compare - Stream an attempt WAV against a master call and print the final metrics
//	build   - Extract a master call's feature cache from a WAV file
//	inspect - Summarize a feature cache file
//
// Configuration:
//
//	Pipeline settings come from the service config file given with --config,
//	or the built-in defaults. CALLSCORE_* variables and a local .env apply.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/cmd/callscore/commands"
)

func main() {
	_ = godotenv.Load()

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

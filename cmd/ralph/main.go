// Command ralph is an orchestrator for autonomous coding loops: it drives
// an external AI coding agent through repeated iterations against a
// Product Requirements Document until every user story is complete.
package main

import "github.com/ralphrun/ralph/internal/cli"

func main() {
	cli.Execute()
}

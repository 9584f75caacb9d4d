// Command toolgate is the guardrail pipeline for AI agent tool calls.
package main

import "github.com/toolgate-io/toolgate/internal/cli"

func main() {
	cli.Execute()
}

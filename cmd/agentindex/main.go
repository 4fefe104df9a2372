package main

import "github.com/agentic-commerce/agentindex/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/vietddude/agentd/internal/cli"

func main() {
	cli.Execute()
}

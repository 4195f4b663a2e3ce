package main

import "chart-signal-alerts/internal/cli"

func main() {
	cli.Execute()
}

package main

import "southwinds.dev/veritas/cli/cmd"

func main() {
	cmd.Execute()
}

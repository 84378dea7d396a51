package main

import "github.com/OpenTraceLab/OpenTraceHWCI/cmd/hwci/cmd"

func main() {
	cmd.Execute()
}

package main

import "otelexplain/cmd"

func main() {
	cmd.Execute()
}

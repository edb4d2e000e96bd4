package main

import "pairsync/cmd"

func main() {
	cmd.Execute()
}

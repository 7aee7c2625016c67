package main

import "github.com/Siddhant-K-code/pairwise/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/MeKo-Tech/tileproxy/internal/cmd"

func main() {
	cmd.Execute()
}

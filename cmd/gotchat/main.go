package main

import "github.com/antonitor/gotchat/internal/cli/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/ramiqadoumi/go-task-offload/services/offloader/cli"

func main() {
	cli.Execute()
}

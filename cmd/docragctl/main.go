package main

import "github.com/knoguchi/docrag/internal/cli"

func main() {
	cli.Execute()
}

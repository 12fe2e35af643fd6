package main

import "github.com/docsyncd/docsyncd/internal/cli"

func main() {
	cli.Execute()
}

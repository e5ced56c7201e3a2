package main

import "github.com/LeJamon/goLockstepd/internal/cli"

func main() {
	cli.Execute()
}

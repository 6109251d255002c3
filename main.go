package main

import (
	"github.com/tretten/breathing-sub000/cmd"
	"github.com/tretten/breathing-sub000/internal/logging"
)

func main() {
	logging.Init(logging.Config{})
	cmd.Execute()
}

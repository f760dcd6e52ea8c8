package main

import (
	"github.com/DuyTa506/tiny-researcher/cmd/cmd"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
)

func main() {
	logger.Init()
	cmd.Execute()
}

package main

import (
	"ChansonFM/cmd"
	"ChansonFM/logger"
)

func main() {
	defer logger.Sync()
	cmd.Execute()
}

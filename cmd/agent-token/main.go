package main

import (
	"flag"
	"os"

	"github.com/tsupport/supportchat/internal/platform/config"
	"github.com/tsupport/supportchat/internal/tools/agenttoken"
)

func main() {
	cfg, err := agenttoken.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := agenttoken.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("mint token: %v", err)
	}
}

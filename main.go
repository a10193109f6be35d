package main

import (
	"context"
	"fmt"
	"os"

	"github.com/davdef/airlift-node-sub001/cmd"
	"github.com/davdef/airlift-node-sub001/internal/buildinfo"
	"github.com/davdef/airlift-node-sub001/internal/conf"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   string
	buildDate string
)

func main() {
	ctx := conf.NewContext(conf.NewViper(), buildinfo.NewContext(version, buildDate))
	rootCmd := cmd.RootCommand(ctx)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		_ = ctx.Close()
		os.Exit(1)
	}
}

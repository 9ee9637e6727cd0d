package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bronystylecrazy/topicmux/cmd"
)

func main() {
	root := cmd.New(nil)
	if err := root.Register(
		cmd.NewServeCommand(),
		cmd.NewPublishCommand(),
		cmd.NewVersionCommand(),
	); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := root.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

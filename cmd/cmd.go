package cmd

import "github.com/spf13/cobra"

// Commander is anything Root can mount. The command path comes from Use, so
// "broker publish" mounts publish below broker.
type Commander interface {
	Command() *cobra.Command
}

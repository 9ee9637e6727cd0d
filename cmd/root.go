package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bronystylecrazy/topicmux/meta"
	"github.com/spf13/cobra"
)

var ErrNilCommand = errors.New("cmd: command is nil")
var ErrEmptyCommand = errors.New("cmd: command has no name")

type Root struct {
	*cobra.Command
}

// New wraps cmd, or a bare command named after the binary when cmd is nil.
func New(cmd *cobra.Command) *Root {
	if cmd == nil {
		cmd = &cobra.Command{
			Use:           meta.Name,
			Short:         meta.Description,
			SilenceUsage:  true,
			SilenceErrors: true,
		}
	}
	return &Root{Command: cmd}
}

func (r *Root) Start(ctx context.Context) error {
	return r.ExecuteContext(ctx)
}

func (r *Root) Register(commands ...Commander) error {
	for _, c := range commands {
		if err := r.RegisterOne(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterOne attaches c below the words that precede its name in Use, so
// "broker inspect [filter]" becomes "inspect [filter]" under "broker".
// Missing parents are created as plain grouping commands.
func (r *Root) RegisterOne(c Commander) error {
	if c == nil {
		return ErrNilCommand
	}
	cmd := c.Command()
	if cmd == nil {
		return ErrNilCommand
	}
	path, args := splitUse(cmd.Use)
	if len(path) == 0 {
		return fmt.Errorf("%w: use=%q", ErrEmptyCommand, cmd.Use)
	}

	parent := r.Command
	for _, name := range path[:len(path)-1] {
		parent = childNamed(parent, name)
	}
	cmd.Use = strings.Join(append([]string{path[len(path)-1]}, args...), " ")
	parent.AddCommand(cmd)
	return nil
}

// splitUse separates the command words of a Use line from the argument
// placeholders, which start at the first word opening with "[" or "<".
func splitUse(use string) (path, args []string) {
	fields := strings.Fields(use)
	for i, f := range fields {
		if strings.HasPrefix(f, "[") || strings.HasPrefix(f, "<") {
			return fields[:i], fields[i:]
		}
	}
	return fields, nil
}

func childNamed(parent *cobra.Command, name string) *cobra.Command {
	for _, child := range parent.Commands() {
		if child.Name() == name {
			return child
		}
	}
	child := &cobra.Command{Use: name}
	parent.AddCommand(child)
	return child
}

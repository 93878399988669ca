package qubes

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Command is a single-VM power command.
type Command int

const (
	CommandStart Command = iota + 1
	CommandShutdown
	CommandRestart
	CommandPause
	CommandUnpause
	CommandDestroy
	CommandRemove
	CommandStatus
)

var commandNames = map[Command]string{
	CommandStart:    "start",
	CommandShutdown: "shutdown",
	CommandRestart:  "restart",
	CommandPause:    "pause",
	CommandUnpause:  "unpause",
	CommandDestroy:  "destroy",
	CommandRemove:   "remove",
	CommandStatus:   "status",
}

// UnknownCommandError is returned for command names outside the table.
type UnknownCommandError struct {
	Name string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown vm command %q", e.Name)
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// ParseCommand resolves a command name. "stop" is accepted for shutdown.
func ParseCommand(name string) (Command, error) {
	if name == "stop" {
		return CommandShutdown, nil
	}
	for c, n := range commandNames {
		if n == name {
			return c, nil
		}
	}
	return 0, &UnknownCommandError{Name: name}
}

// CommandNames lists the accepted command names, sorted.
func CommandNames() []string {
	names := make([]string, 0, len(commandNames))
	for _, n := range commandNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Executor runs Commands against a Manager. Commands that have to wait for a
// power transition poll every Interval for at most Timeout.
type Executor struct {
	Manager  Manager
	Interval time.Duration
	Timeout  time.Duration
}

type commandHandler func(ctx context.Context, e *Executor, name string) (string, error)

var commandHandlers = map[Command]commandHandler{
	CommandStart: func(ctx context.Context, e *Executor, name string) (string, error) {
		return "", e.Manager.Start(ctx, name)
	},
	CommandShutdown: func(ctx context.Context, e *Executor, name string) (string, error) {
		return "", e.shutdown(ctx, name)
	},
	CommandRestart: func(ctx context.Context, e *Executor, name string) (string, error) {
		if err := e.shutdown(ctx, name); err != nil {
			return "", err
		}
		return "", e.Manager.Start(ctx, name)
	},
	CommandPause: func(ctx context.Context, e *Executor, name string) (string, error) {
		return "", e.Manager.Pause(ctx, name)
	},
	CommandUnpause: func(ctx context.Context, e *Executor, name string) (string, error) {
		return "", e.Manager.Unpause(ctx, name)
	},
	CommandDestroy: func(ctx context.Context, e *Executor, name string) (string, error) {
		return "", e.Manager.Kill(ctx, name)
	},
	CommandRemove: func(ctx context.Context, e *Executor, name string) (string, error) {
		st, err := e.Manager.State(ctx, name)
		if err != nil {
			return "", err
		}
		if st != StateHalted {
			if err := e.Manager.Kill(ctx, name); err != nil {
				return "", err
			}
			if err := WaitForState(ctx, e.Manager, name, StateHalted, e.Interval, e.Timeout); err != nil {
				return "", err
			}
		}
		return "", e.Manager.Remove(ctx, name)
	},
	CommandStatus: func(ctx context.Context, e *Executor, name string) (string, error) {
		st, err := e.Manager.State(ctx, name)
		return string(st), err
	},
}

// Execute runs cmd against the domain name. Only status produces output.
func (e *Executor) Execute(ctx context.Context, cmd Command, name string) (string, error) {
	h, ok := commandHandlers[cmd]
	if !ok {
		return "", &UnknownCommandError{Name: cmd.String()}
	}
	out, err := h(ctx, e, name)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", cmd, name, err)
	}
	return out, nil
}

func (e *Executor) shutdown(ctx context.Context, name string) error {
	st, err := e.Manager.State(ctx, name)
	if err != nil {
		return err
	}
	if st == StateHalted {
		return nil
	}
	if err := e.Manager.Shutdown(ctx, name); err != nil {
		return err
	}
	return WaitForState(ctx, e.Manager, name, StateHalted, e.Interval, e.Timeout)
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"powfaucet/controller"
)

// errQuit ends the command loop.
var errQuit = errors.New("quit")

// intents is the part of the controller the command loop drives.
type intents interface {
	Start(ctx context.Context, addr string) error
	Stop(ctx context.Context) error
	SetTargetAddress(addr string) error
	ResolveRestore(ctx context.Context, resume bool) error
	DismissAdvisory()
	View() controller.View
}

// tokenSink receives pasted verification tokens.
type tokenSink interface {
	Solve(raw string)
}

type commands struct {
	ctrl   intents
	tokens tokenSink
	render *Renderer
	out    io.Writer
}

const helpText = `Commands:
  start [addr]    start mining for addr (or the configured address)
  stop            stop mining and claim the reward
  address <addr>  set the target address
  token <value>   supply a verification token
  resume          resume the unfinished session
  discard         discard the unfinished session
  ok              dismiss the current notice
  status          show session details
  help            show this help
  quit            stop mining and exit
`

// loop reads commands from in until EOF, quit, or ctx is cancelled.
func (c *commands) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// exec runs one command line.
func (c *commands) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "start":
		addr := ""
		if len(args) > 0 {
			addr = args[0]
		}
		return c.ctrl.Start(ctx, addr)
	case "stop":
		return c.ctrl.Stop(ctx)
	case "address", "addr":
		if len(args) != 1 {
			return fmt.Errorf("usage: address <addr>")
		}
		return c.ctrl.SetTargetAddress(args[0])
	case "token":
		if len(args) != 1 {
			return fmt.Errorf("usage: token <value>")
		}
		c.tokens.Solve(args[0])
		return nil
	case "resume":
		return c.ctrl.ResolveRestore(ctx, true)
	case "discard":
		return c.ctrl.ResolveRestore(ctx, false)
	case "ok":
		c.ctrl.DismissAdvisory()
		return nil
	case "status":
		c.render.Status(c.ctrl.View())
		return nil
	case "help", "?":
		fmt.Fprint(c.out, helpText)
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (type 'help')", cmd)
	}
}

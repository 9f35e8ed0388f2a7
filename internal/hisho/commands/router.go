// Package commands parses and routes chat commands such as /help or !stats.
// Telegram and Matrix share one set of handlers and differ only in prefix.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Command is a parsed command.
type Command struct {
	Name    string
	Args    []string
	Flags   map[string]string
	RawText string
}

// Caller identifies who sent a command and over which interface.
type Caller struct {
	UserID    string
	Interface string
}

// ErrNotACommand is returned by Parse when the message does not start with the
// command prefix.
var ErrNotACommand = errors.New("not a command (missing prefix)")

// ErrUnknownCommand is returned by Route for a well-formed command nobody
// registered.
var ErrUnknownCommand = errors.New("unknown command")

// Handler handles one command and returns the reply text.
type Handler func(ctx context.Context, cmd *Command, caller Caller) (string, error)

// Router routes commands to handlers.
type Router struct {
	handlers map[string]Handler
	prefix   string
}

// NewRouter creates a router for commands starting with prefix ("/" or "!").
func NewRouter(prefix string) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		prefix:   prefix,
	}
}

// Prefix returns the command prefix.
func (r *Router) Prefix() string { return r.prefix }

// Register registers a handler for name.
func (r *Router) Register(name string, handler Handler) {
	r.handlers[name] = handler
}

// Names returns the registered command names, sorted.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsCommand reports whether text starts with the prefix.
func (r *Router) IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), r.prefix)
}

// Parse parses a message into a command. A Telegram bot mention such as
// "/stats@hisho_bot" is stripped from the name.
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, r.prefix) {
		return nil, ErrNotACommand
	}

	text = strings.TrimSpace(strings.TrimPrefix(text, r.prefix))
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	name, _, _ := strings.Cut(parts[0], "@")
	cmd := &Command{
		Name:    strings.ToLower(name),
		Args:    []string{},
		Flags:   make(map[string]string),
		RawText: text,
	}

	parts = parts[1:]
	for i := 0; i < len(parts); i++ {
		part := parts[i]
		if !strings.HasPrefix(part, "--") {
			cmd.Args = append(cmd.Args, part)
			continue
		}
		flag := strings.TrimPrefix(part, "--")
		if k, v, ok := strings.Cut(flag, "="); ok {
			cmd.Flags[k] = v
			continue
		}
		if i+1 < len(parts) && !strings.HasPrefix(parts[i+1], "--") {
			cmd.Flags[flag] = parts[i+1]
			i++
		} else {
			cmd.Flags[flag] = "true"
		}
	}
	return cmd, nil
}

// Route parses text and runs the matching handler.
func (r *Router) Route(ctx context.Context, text string, caller Caller) (string, error) {
	cmd, err := r.Parse(text)
	if err != nil {
		return "", err
	}
	handler, ok := r.handlers[cmd.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s%s", ErrUnknownCommand, r.prefix, cmd.Name)
	}
	return handler(ctx, cmd, caller)
}

// GetFlag returns a flag value with a default.
func (c *Command) GetFlag(name, defaultValue string) string {
	if val, ok := c.Flags[name]; ok {
		return val
	}
	return defaultValue
}

// GetArg returns an argument by index.
func (c *Command) GetArg(index int) (string, bool) {
	if index < 0 || index >= len(c.Args) {
		return "", false
	}
	return c.Args[index], true
}

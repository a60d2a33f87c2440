// Package commands manages the adapter's built-in slash commands. The
// built-ins are compiled in from commands.yaml and merged with whatever
// commands the backend reports during initialize; mode switches and prompt
// templates run inside the adapter, everything else is forwarded.
package commands

import (
	"embed"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/internal/translate"
)

//go:embed commands.yaml
var commandsFS embed.FS

// Action is what the adapter does when a built-in command is invoked.
type Action string

const (
	// ActionSetMode switches the session's permission mode.
	ActionSetMode Action = "set_mode"
	// ActionPrompt rewrites the invocation into a backend prompt.
	ActionPrompt Action = "prompt"
)

// Command is one built-in slash command.
type Command struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	InputHint   string `yaml:"inputHint,omitempty"`
	Action      Action `yaml:"action"`

	// Mode is the permission mode selected by ActionSetMode commands.
	Mode string `yaml:"mode,omitempty"`
	// Template is the prompt produced by ActionPrompt commands. The
	// {input} placeholder receives the text after the command name.
	Template string `yaml:"template,omitempty"`
}

// Expand renders an ActionPrompt command's template with the given input.
func (c *Command) Expand(input string) string {
	if strings.Contains(c.Template, "{input}") {
		return strings.TrimSpace(strings.ReplaceAll(c.Template, "{input}", input))
	}
	if input == "" {
		return c.Template
	}
	return c.Template + " " + input
}

type commandsFile struct {
	Version  int       `yaml:"version"`
	Commands []Command `yaml:"commands"`
}

// Registry holds the built-in commands. It is immutable after construction.
type Registry struct {
	byName  map[string]*Command
	ordered []Command
}

// New parses the embedded command set.
func New(log *logger.Logger) (*Registry, error) {
	data, err := commandsFS.ReadFile("commands.yaml")
	if err != nil {
		return nil, fmt.Errorf("read commands config: %w", err)
	}

	var file commandsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse commands config: %w", err)
	}

	r := &Registry{
		byName:  make(map[string]*Command, len(file.Commands)),
		ordered: file.Commands,
	}
	for i := range r.ordered {
		cmd := &r.ordered[i]
		if err := validateCommand(cmd); err != nil {
			return nil, fmt.Errorf("command %q: %w", cmd.Name, err)
		}
		if _, dup := r.byName[cmd.Name]; dup {
			return nil, fmt.Errorf("duplicate command %q", cmd.Name)
		}
		r.byName[cmd.Name] = cmd
	}

	log.Debug("loaded built-in commands", zap.Int("count", len(r.ordered)))
	return r, nil
}

func validateCommand(c *Command) error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(c.Name, " \t\n/") {
		return fmt.Errorf("name must be a single token without slashes")
	}
	switch c.Action {
	case ActionSetMode:
		if c.Mode == "" {
			return fmt.Errorf("set_mode command needs a mode")
		}
	case ActionPrompt:
		if c.Template == "" {
			return fmt.Errorf("prompt command needs a template")
		}
	default:
		return fmt.Errorf("unknown action %q", c.Action)
	}
	return nil
}

// Get returns a built-in command by name.
func (r *Registry) Get(name string) (*Command, bool) {
	cmd, ok := r.byName[name]
	return cmd, ok
}

// All returns the built-in commands in file order.
func (r *Registry) All() []Command {
	out := make([]Command, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Merge combines the built-ins with backend-reported commands. Built-ins come
// first and shadow backend commands with the same name.
func (r *Registry) Merge(backend []translate.CommandInfo) []translate.CommandInfo {
	merged := make([]translate.CommandInfo, 0, len(r.ordered)+len(backend))
	for _, cmd := range r.ordered {
		merged = append(merged, translate.CommandInfo{
			Name:        cmd.Name,
			Description: cmd.Description,
			InputHint:   cmd.InputHint,
		})
	}
	for _, cmd := range backend {
		if _, shadowed := r.byName[cmd.Name]; shadowed {
			continue
		}
		merged = append(merged, cmd)
	}
	return merged
}

// ParseInvocation splits a prompt of the form "/name args..." into its
// command name and remaining input. ok is false when the prompt is not a
// slash command.
func ParseInvocation(prompt string) (name, input string, ok bool) {
	trimmed := strings.TrimSpace(prompt)
	if !strings.HasPrefix(trimmed, "/") || len(trimmed) < 2 {
		return "", "", false
	}
	rest := trimmed[1:]
	if idx := strings.IndexAny(rest, " \t\n"); idx >= 0 {
		return rest[:idx], strings.TrimSpace(rest[idx:]), true
	}
	return rest, "", true
}

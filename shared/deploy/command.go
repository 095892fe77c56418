package deploy

import (
	"encoding/json"
	"fmt"
)

// Command is a step's run/undo command: either a shell string (run through
// /bin/sh -lc) or an argv list (run via execve with argv[0] as the program),
// per spec §4.9. It round-trips through JSON as a bare string or a bare
// array, matching how the original deployment spec encodes it.
type Command struct {
	Shell string
	Argv  []string
	IsArgv bool
}

// ShellCommand builds a shell-form Command.
func ShellCommand(s string) Command { return Command{Shell: s} }

// ArgvCommand builds an argv-form Command.
func ArgvCommand(argv ...string) Command { return Command{Argv: argv, IsArgv: true} }

// Empty reports whether no command was configured.
func (c Command) Empty() bool {
	return !c.IsArgv && c.Shell == ""
}

func (c Command) MarshalJSON() ([]byte, error) {
	if c.IsArgv {
		return json.Marshal(c.Argv)
	}
	return json.Marshal(c.Shell)
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Command{Shell: s}
		return nil
	}

	var argv []string
	if err := json.Unmarshal(data, &argv); err == nil {
		*c = Command{Argv: argv, IsArgv: true}
		return nil
	}

	return fmt.Errorf("deploy: command must be a shell string or an argv array")
}

// String renders the command for logging/reports.
func (c Command) String() string {
	if c.IsArgv {
		return fmt.Sprint(c.Argv)
	}
	return c.Shell
}

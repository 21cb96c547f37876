package main

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/urfave/cli/v2"
)

// maxPasswordRetries bounds how many times the interactive prompt
// fallback asks again after an empty entry.
const maxPasswordRetries = 5

// resolvePassword follows the same precedence the original tool uses:
// an explicit password wins, then a password file, then a password
// command, then an interactive prompt.
func resolvePassword(c *cli.Context) (string, error) {
	if pw := c.String("password"); pw != "" {
		return pw, nil
	}
	if path := c.String("password-file"); path != "" {
		return readPasswordFile(path)
	}
	if cmd := c.String("password-command"); cmd != "" {
		return runPasswordCommand(cmd)
	}
	return promptPassword()
}

func readPasswordFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("password file %s: %w", path, err)
	}
	line := strings.SplitN(string(data), "\n", 2)[0]
	return strings.TrimRight(line, "\r"), nil
}

func runPasswordCommand(command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", fmt.Errorf("password-command is empty")
	}
	out, err := exec.Command(fields[0], fields[1:]...).Output()
	if err != nil {
		return "", fmt.Errorf("password-command %q: %w", command, err)
	}
	line := strings.SplitN(string(out), "\n", 2)[0]
	return strings.TrimRight(line, "\r"), nil
}

// promptPassword reads a password from stdin without masking (the
// module has no terminal-echo-control dependency) and retries a few
// times on an empty entry.
func promptPassword() (string, error) {
	reader := bufio.NewReader(os.Stdin)
	for attempt := 0; attempt < maxPasswordRetries; attempt++ {
		fmt.Fprint(os.Stderr, "enter repository password: ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read password: %w", err)
		}
		pw := strings.TrimRight(line, "\r\n")
		if pw != "" {
			return pw, nil
		}
	}
	return "", fmt.Errorf("no password given after %d attempts", maxPasswordRetries)
}

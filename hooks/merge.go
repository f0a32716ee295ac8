// Package hooks installs the native Git hook executables and the pre/post
// command hook chains into an enlistment's .git/hooks directory.
package hooks

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/afero"
)

const (
	// ExecutableName is the command-hook dispatcher every chain must run.
	ExecutableName = "lazytree-hooks"

	PreCommandHook  = "pre-command"
	PostCommandHook = "post-command"

	// ChainSuffix names a hook chain file: pre-command.hooks.
	ChainSuffix = ".hooks"
)

// ConfigurationError reports a hook chain that lists the dispatcher itself.
type ConfigurationError struct {
	Filename string
	HookName string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s should not be specified in the configuration for %s hooks (%s)", ExecutableName, e.HookName, e.Filename)
}

// MergeHooksData builds the chain for hookName from the configured lines.
// The dispatcher runs first for post-command and last for everything else.
func MergeHooksData(lines []string, filename, hookName string) (string, error) {
	var kept []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(line), ExecutableName) {
			return "", &ConfigurationError{Filename: filename, HookName: hookName}
		}
		kept = append(kept, line)
	}

	switch {
	case len(kept) == 0:
		return ExecutableName, nil
	case hookName == PostCommandHook:
		return strings.Join(append([]string{ExecutableName}, kept...), "\n"), nil
	default:
		return strings.Join(append(kept, ExecutableName), "\n"), nil
	}
}

// ReadChainFile returns the non-comment lines of a chain file. A missing
// file is an empty chain.
func ReadChainFile(fsys afero.Fs, path string) ([]string, error) {
	f, err := fsys.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Info describes a located agent binary.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Path    string `json:"path"`
	Beta    bool   `json:"beta,omitempty"`
}

const versionBudget = 2 * time.Second

// wellKnownDirs are checked after the configured path and before PATH.
func wellKnownDirs() []string {
	home, _ := os.UserHomeDir()
	return []string{
		filepath.Join(home, ".local", "bin"),
		filepath.Join(home, "bin"),
		"/usr/local/bin",
		"/opt/homebrew/bin",
	}
}

// Locate finds the binary for kind: the user-configured path first, then the
// well-known install directories, then the process search path.
func (s *Supervisor) Locate(kind Kind) (Info, error) {
	profile, err := ProfileFor(kind)
	if err != nil {
		return Info{}, err
	}

	path, err := s.resolvePath(profile)
	if err != nil {
		return Info{}, err
	}

	return Info{
		Name:    string(kind),
		Version: s.probeVersion(path),
		Path:    path,
		Beta:    profile.Beta,
	}, nil
}

// List returns every installed agent.
func (s *Supervisor) List() []Info {
	var out []Info
	for _, kind := range Kinds() {
		info, err := s.Locate(kind)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out
}

func (s *Supervisor) resolvePath(profile Profile) (string, error) {
	if configured := s.cfg.Paths[string(profile.Kind)]; configured != "" {
		if resolved, err := executablePath(configured); err == nil {
			return resolved, nil
		}
		return "", fmt.Errorf("configured path for %s is not executable: %s", profile.Kind, configured)
	}

	for _, dir := range wellKnownDirs() {
		if resolved, err := executablePath(filepath.Join(dir, profile.Binary)); err == nil {
			return resolved, nil
		}
	}

	if found, err := exec.LookPath(profile.Binary); err == nil {
		if resolved, err := filepath.EvalSymlinks(found); err == nil {
			return resolved, nil
		}
		return found, nil
	}

	return "", fmt.Errorf("agent %s is not installed", profile.Kind)
}

func executablePath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%s is not executable", resolved)
	}
	return resolved, nil
}

// probeVersion asks the binary for its version with a short budget. Agents
// that refuse the flag report "unknown" rather than failing location.
func (s *Supervisor) probeVersion(path string) string {
	ctx, cancel := context.WithTimeout(context.Background(), versionBudget)
	defer cancel()

	out, err := s.commandRun(ctx, path, "--version").Output()
	if err != nil {
		return "unknown"
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		return "unknown"
	}
	return line
}

package processes

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// devCommand is a candidate dev-server launch command for a project marker
// file, grounded on Python server/processes.py's DEV_COMMANDS table.
type devCommand struct {
	marker  string
	command string
	args    []string
	port    int
}

var devCommands = []devCommand{
	{marker: "package.json", command: "npm", args: []string{"run", "dev"}, port: 3000},
	{marker: "Cargo.toml", command: "cargo", args: []string{"run"}, port: 8080},
	{marker: "go.mod", command: "go", args: []string{"run", "."}, port: 8080},
	{marker: "manage.py", command: "python3", args: []string{"manage.py", "runserver"}, port: 8000},
	{marker: "Gemfile", command: "bundle", args: []string{"exec", "rails", "server"}, port: 3000},
}

// packageJSONScripts models the subset of package.json this package reads.
type packageJSONScripts struct {
	Scripts map[string]string `json:"scripts"`
}

// DetectDevCommand inspects projectPath for known project markers and
// returns a best-guess dev-server launch command, mirroring Python
// server/processes.py's detect_dev_command heuristic. It returns ok=false
// when nothing recognizable is found.
func DetectDevCommand(projectPath string) (command string, args []string, port int, ok bool) {
	if data, err := os.ReadFile(filepath.Join(projectPath, "package.json")); err == nil {
		var pkg packageJSONScripts
		if json.Unmarshal(data, &pkg) == nil {
			for _, script := range []string{"dev", "start"} {
				if _, has := pkg.Scripts[script]; has {
					return "npm", []string{"run", script}, 3000, true
				}
			}
		}
	}

	for _, dc := range devCommands {
		if dc.marker == "package.json" {
			continue // already handled above with script introspection
		}
		if _, err := os.Stat(filepath.Join(projectPath, dc.marker)); err == nil {
			return dc.command, append([]string{}, dc.args...), dc.port, true
		}
	}

	return "", nil, 0, false
}

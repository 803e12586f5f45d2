package processes

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// portFlagPattern matches common dev-server port flags: --port 3000,
// --port=3000, -p 3000, PORT=3000. Grounded on Python server/processes.py's
// _adjust_command_port regex substitution.
var portFlagPattern = regexp.MustCompile(`(?i)(--port[=\s]+|--p[=\s]+|-p\s+|PORT=)(\d+)`)

// AdjustCommandPort rewrites the first recognized port flag or environment
// assignment in command to newPort. If no port flag is found, command is
// returned unchanged — the caller (C8 port allocation) falls back to
// setting a PORT environment variable instead.
func AdjustCommandPort(command string, newPort int) string {
	if !portFlagPattern.MatchString(command) {
		return command
	}
	return portFlagPattern.ReplaceAllString(command, fmt.Sprintf("${1}%d", newPort))
}

// ExtractCommandPort returns the port number found in command's first
// recognized port flag, if any.
func ExtractCommandPort(command string) (int, bool) {
	m := portFlagPattern.FindStringSubmatch(command)
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	return port, true
}

// KillPortProcess shells out to lsof to find and terminate whatever process
// currently holds port, used before starting a managed process that needs
// that exact port free. Grounded on Python server/processes.py's
// _kill_port_process (which also shells out to lsof under the hood).
func KillPortProcess(port int) error {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf(":%d", port)).Output()
	if err != nil {
		// lsof exits non-zero when nothing is listening on the port —
		// that's the common case, not a failure.
		return nil
	}

	for _, line := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		exec.Command("kill", "-9", strconv.Itoa(pid)).Run()
	}
	return nil
}

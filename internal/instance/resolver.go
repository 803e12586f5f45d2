package instance

import "fmt"

// Resolve decides whether `adtd server start` may proceed given info from
// CheckExisting. The teacher's resolver offered an interactive TTY prompt
// (connect/kill/exit) for a desktop-style launch; a headless server has no
// TTY to prompt, so this is always the non-interactive path: refuse to
// start if a live, responding instance holds the port, and suggest the
// CLI's explicit stop command otherwise.
func Resolve(info *Info) error {
	if info == nil {
		return nil
	}
	if info.IsResponding {
		return fmt.Errorf("an instance is already running (pid %d, port %d); run 'adtctl server stop' first", info.PID, info.Port)
	}
	return fmt.Errorf("a stale instance (pid %d) holds the lock but is not responding; run 'adtctl server stop' to clear it", info.PID)
}

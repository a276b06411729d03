package dispatch

import shellquote "github.com/kballard/go-shellquote"

// ShellCommand wraps command as `sh -c <command>`, quoting it as a single
// argument so the remote shell interprets pipes and redirections in it.
func ShellCommand(command string) string {
	return shellquote.Join("sh", "-c", command)
}

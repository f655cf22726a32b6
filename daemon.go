package tlmx

import (
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"

	"github.com/palantir/stacktrace"
	"golang.org/x/sys/unix"
)

const daemonEnv = "_TLMX_DAEMON"

// daemonize re-executes the process detached from the terminal. The
// parent exits once the child is on its way; the child starts a new
// session and points the standard streams at /dev/null.
func daemonize() {
	if os.Getenv(daemonEnv) == "1" {
		_, _ = unix.Setsid()
		if devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0); err == nil {
			_ = unix.Dup2(int(devnull.Fd()), 0)
			_ = unix.Dup2(int(devnull.Fd()), 1)
			_ = unix.Dup2(int(devnull.Fd()), 2)
		}
		return
	}
	exe, err := os.Executable()
	if err != nil {
		logFatal("[-] Fork into background failed: %s", err)
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	if err := cmd.Start(); err != nil {
		logFatal("[-] Fork into background failed: %s", err)
	}
	logDestroy()
	os.Exit(0)
}

// dropPrivileges switches to the requested uid/gid when running as root.
func dropPrivileges(uid string) error {
	if uid == "" {
		return nil
	}
	if os.Getuid() != 0 && os.Geteuid() != 0 {
		logWarn("No root privileges; keeping identity %d:%d", os.Getuid(), os.Getgid())
		return nil
	}
	var nuid, ngid int
	if n, err := strconv.Atoi(uid); err == nil {
		if n <= 0 {
			return stacktrace.NewErrorWithCode(EcConfig, "numerical uid parameter invalid")
		}
		nuid, ngid = n, n
	} else {
		pw, err := user.Lookup(uid)
		if err != nil {
			return stacktrace.PropagateWithCode(err, EcConfig, "username %s is invalid", uid)
		}
		nuid, _ = strconv.Atoi(pw.Uid)
		ngid, _ = strconv.Atoi(pw.Gid)
		if nuid == 0 {
			return stacktrace.NewErrorWithCode(EcConfig, "username %s is invalid", uid)
		}
	}
	if err := unix.Setgid(ngid); err != nil {
		return stacktrace.PropagateWithCode(err, EcConfig, "setting group identity failed")
	}
	if err := unix.Setuid(nuid); err != nil {
		return stacktrace.PropagateWithCode(err, EcConfig, "setting user identity failed")
	}
	logInfo("[-] Changed uid:gid to %d:%d", nuid, ngid)
	return nil
}

// writePidFile stores the decimal pid followed by a newline.
func writePidFile(path string) error {
	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(path, []byte(pid), 0644); err != nil {
		return stacktrace.PropagateWithCode(err, EcConfig, "error creating the PID file")
	}
	return nil
}

func removePidFile(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	_ = os.Remove(path)
}

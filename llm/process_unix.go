//go:build !windows

package llm

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// workerSysProcAttr legt jeden Worker in eine eigene Prozessgruppe,
// damit Strg-C im Terminal nur den Orchestrator trifft
func workerSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// terminate sendet SIGTERM an die Prozessgruppe
func terminate(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

// kill beendet die Prozessgruppe sofort
func kill(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func signalGroup(p *os.Process, sig unix.Signal) error {
	if err := unix.Kill(-p.Pid, sig); err != nil {
		if err == unix.ESRCH {
			return os.ErrProcessDone
		}
		return p.Signal(sig)
	}
	return nil
}

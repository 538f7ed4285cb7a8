//go:build unix

package backend

import (
	"io"
	"os/exec"

	"github.com/creack/pty"
)

// startPTY starts the subprocess attached to a pseudo-terminal. The pty
// file serves as both the output reader and the prompt writer.
func (p *Process) startPTY(cmd *exec.Cmd) (io.Reader, error) {
	ptyFile, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	_ = pty.Setsize(ptyFile, &pty.Winsize{Rows: 40, Cols: 120})

	p.mu.Lock()
	p.ptyFile = ptyFile
	p.mu.Unlock()
	return ptyFile, nil
}

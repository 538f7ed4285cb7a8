//go:build !unix

package backend

import (
	"fmt"
	"io"
	"os/exec"
)

func (p *Process) startPTY(cmd *exec.Cmd) (io.Reader, error) {
	return nil, fmt.Errorf("pty-backed agents are not supported on this platform")
}

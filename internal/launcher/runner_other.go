//go:build !unix

package launcher

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}

// Package kernel reports the host's kernel version for the stack's
// stats/metrics surface. It is a thin, non-fatal adapter over the
// teacher's kernel-version dependency: unlike the teacher's pkg/linux,
// which panics in init() if the host kernel version can't be read (it
// needs the version to pick a TCP_INFO struct layout), nothing here is
// load-bearing for protocol correctness, so a lookup failure is just an
// error return.
package kernel

import (
	"fmt"

	dockerkernel "github.com/docker/docker/pkg/parsers/kernel"
)

// HostVersion reports the running host's kernel version (e.g.
// "5.15.0"), for informational use in logs and the Prometheus
// collector. Never panics.
func HostVersion() (string, error) {
	v, err := dockerkernel.GetKernelVersion()
	if err != nil {
		return "", fmt.Errorf("kernel: %w", err)
	}
	return v.String(), nil
}

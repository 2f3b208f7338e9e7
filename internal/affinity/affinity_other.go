//go:build !linux

package affinity

import "fmt"

func pin(cpu int) error {
	return fmt.Errorf("affinity: cpu pinning is not supported on this platform (cpu %d)", cpu)
}

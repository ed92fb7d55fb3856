package ports

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrNoFreePorts is returned when the scan range is exhausted.
var ErrNoFreePorts = errors.New("no free ports available")

const (
	maxPort       = 65535
	evictAttempts = 10
	evictBackoff  = 200 * time.Millisecond
)

// Allocator hands out loopback TCP ports for worker processes.
//
// Reservations live only in memory for the lifetime of this control plane; a
// port stays reserved until Release so two concurrent starts can never be
// given the same port before the registry write lands. The registry is never
// trusted on its own: a port recorded there may have been re-used by an
// unrelated process after a crash, so every candidate is verified with a real
// bind-and-release probe.
type Allocator struct {
	mu       sync.Mutex
	base     int
	reserved map[int]struct{}
}

// New returns an Allocator scanning upward from base (e.g. 9000).
func New(base int) *Allocator {
	if base <= 0 {
		base = 9000
	}
	return &Allocator{base: base, reserved: make(map[int]struct{})}
}

// Allocate returns a port that is unreserved and bindable right now, and
// reserves it. preferred is tried first when > 0; when the returned port
// differs from preferred the caller must persist the new value.
func (a *Allocator) Allocate(preferred int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if preferred > 0 && preferred <= maxPort {
		if _, taken := a.reserved[preferred]; !taken && bindable(preferred) {
			a.reserved[preferred] = struct{}{}
			return preferred, nil
		}
	}
	for p := a.base; p <= maxPort; p++ {
		if _, taken := a.reserved[p]; taken {
			continue
		}
		if bindable(p) {
			a.reserved[p] = struct{}{}
			return p, nil
		}
	}
	return 0, ErrNoFreePorts
}

// Release drops the reservation for port. Safe to call for ports that were
// never reserved.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}

// Reserved reports whether port is currently claimed.
func (a *Allocator) Reserved(port int) bool {
	a.mu.Lock()
	_, ok := a.reserved[port]
	a.mu.Unlock()
	return ok
}

// Evict force-kills any stale process still listening on port and waits,
// with bounded backoff, for the kernel to release the socket. It returns
// true when the port ended up bindable. Eviction is deliberately outside the
// allocator lock: it sleeps, and it never touches the reserved set.
func (a *Allocator) Evict(port int) bool {
	for attempt := 0; attempt < evictAttempts; attempt++ {
		if bindable(port) {
			return true
		}
		killListeners(port)
		time.Sleep(evictBackoff)
	}
	return bindable(port)
}

// bindable probes the port with a real bind on loopback.
func bindable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// killListeners sends SIGKILL to every process lsof reports on the port.
// Best-effort: lsof exits non-zero when nothing listens.
func killListeners(port int) {
	out, err := exec.Command("lsof", "-t", fmt.Sprintf("-i:%d", port)).Output()
	if err != nil {
		return
	}
	self := os.Getpid()
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid <= 0 || pid == self {
			continue
		}
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

package supervisor

import "fmt"

// portPool hands out child ports from [base, base+size). Every live
// instance owns exactly one port; a port is either free in the pool or held
// by an instance, never both. Not safe for concurrent use on its own: the
// supervisor's mutex guards it.
type portPool struct {
	free []int
	held map[int]string // port -> project id, for diagnostics
}

func newPortPool(base, size int) *portPool {
	p := &portPool{held: make(map[int]string, size)}
	for port := base + size - 1; port >= base; port-- {
		p.free = append(p.free, port)
	}
	return p
}

// acquire takes the lowest free port for a project.
func (p *portPool) acquire(projectID string) (int, error) {
	if len(p.free) == 0 {
		return 0, fmt.Errorf("no available ports: all %d instance slots are in use", len(p.held))
	}
	port := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.held[port] = projectID
	return port, nil
}

// release returns a port to the pool. Releasing an unheld port is a no-op.
func (p *portPool) release(port int) {
	if _, ok := p.held[port]; !ok {
		return
	}
	delete(p.held, port)
	p.free = append(p.free, port)
}

func (p *portPool) available() int { return len(p.free) }

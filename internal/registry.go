package internal

// registry tracks which connection holds each role. The hub loop is its
// only writer, so nothing in here locks.
type registry struct {
	camera  *Conn
	car     *Conn
	viewers map[*Conn]struct{}
}

func newRegistry() *registry {
	return &registry{viewers: make(map[*Conn]struct{})}
}

// assign puts c into its role slot and returns the connection it
// replaced, if any. Viewers accumulate; camera and car hold exactly one
// connection each.
func (r *registry) assign(c *Conn) *Conn {
	switch c.Role {
	case RoleCamera:
		prev := r.camera
		r.camera = c
		return prev
	case RoleCar:
		prev := r.car
		r.car = c
		return prev
	case RoleViewer:
		r.viewers[c] = struct{}{}
	}

	return nil
}

// release removes c if it is still registered. Releasing a connection
// whose slot has moved on to a newer peer is a no-op, so a replaced
// device never fires a second round of notifications.
func (r *registry) release(c *Conn) (Role, bool) {
	switch c.Role {
	case RoleCamera:
		if r.camera == c {
			r.camera = nil
			return RoleCamera, true
		}
	case RoleCar:
		if r.car == c {
			r.car = nil
			return RoleCar, true
		}
	case RoleViewer:
		if _, ok := r.viewers[c]; ok {
			delete(r.viewers, c)
			return RoleViewer, true
		}
	}

	return c.Role, false
}

func (r *registry) find(role Role) *Conn {
	switch role {
	case RoleCamera:
		return r.camera
	case RoleCar:
		return r.car
	}

	return nil
}

// viewerSnapshot copies the current viewer set so fan-out can evict
// members mid-walk without iterating a mutating map.
func (r *registry) viewerSnapshot() []*Conn {
	out := make([]*Conn, 0, len(r.viewers))
	for v := range r.viewers {
		out = append(out, v)
	}

	return out
}

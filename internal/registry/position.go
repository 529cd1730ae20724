package registry

// PickAtEdge implements C3's selection rule (§4.3): among peers bound
// to edge e, in insertion order, return the first one currently marked
// alive. Returns false if none are alive (the caller must then refuse
// to enter active state and leave the cursor local, P5).
func (r *Registry) PickAtEdge(e Edge) (Handle, bool) {
	for _, h := range r.byEdge[e] {
		if p, ok := r.peers[h]; ok && p.Alive {
			return h, true
		}
	}
	return 0, false
}

// SetPosition atomically reassigns a peer to a different edge (§4.3
// "Reassignment of edges is atomic per peer").
func (r *Registry) SetPosition(h Handle, e Edge) error {
	p, ok := r.peers[h]
	if !ok {
		return ErrNotFound
	}
	old := p.Position
	list := r.byEdge[old]
	for i, hh := range list {
		if hh == h {
			r.byEdge[old] = append(list[:i], list[i+1:]...)
			break
		}
	}
	p.Position = e
	r.byEdge[e] = append(r.byEdge[e], h)
	return nil
}

// SetAlive updates a peer's liveness flag (driven by the liveness
// tracker, C4). When a peer transitions away from alive, its
// pressed-keys must already have been drained by session-task per the
// §3 invariant; registry itself does not enforce that ordering, it
// only stores the flag.
func (r *Registry) SetAlive(h Handle, alive bool) {
	if p, ok := r.peers[h]; ok {
		p.Alive = alive
	}
}

package conn

// OnData appends l to the inbound listener chain.
func (m *Manager) OnData(l Listener) Handle {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.nextHandle++
	m.dataListeners = append(m.dataListeners, dataListener{handle: m.nextHandle, fn: l})
	return m.nextHandle
}

// PrependData puts l at the head of the inbound listener chain, ahead of
// every listener already registered.
func (m *Manager) PrependData(l Listener) Handle {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.nextHandle++
	chain := make([]dataListener, 0, len(m.dataListeners)+1)
	chain = append(chain, dataListener{handle: m.nextHandle, fn: l})
	m.dataListeners = append(chain, m.dataListeners...)
	return m.nextHandle
}

// RemoveData detaches a listener. Unknown handles are ignored.
func (m *Manager) RemoveData(h Handle) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for i, l := range m.dataListeners {
		if l.handle == h {
			m.dataListeners = append(m.dataListeners[:i:i], m.dataListeners[i+1:]...)
			return
		}
	}
}

// Emit runs data through the listener chain until a listener stops it.
// The socket reader calls it for every inbound frame; listeners may call it
// to replay a payload.
func (m *Manager) Emit(data string) {
	m.listenersMu.Lock()
	chain := make([]dataListener, len(m.dataListeners))
	copy(chain, m.dataListeners)
	m.listenersMu.Unlock()

	for _, l := range chain {
		if l.fn(data) {
			return
		}
	}
}

// OnOpen registers fn to run each time the socket opens.
func (m *Manager) OnOpen(fn func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.openListeners = append(m.openListeners, fn)
}

// OnClose registers fn to receive the close code of every disconnect.
func (m *Manager) OnClose(fn func(code int)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.closeListeners = append(m.closeListeners, fn)
}

// OnError registers fn to receive socket errors. Errors never change state
// on their own; the close that follows does.
func (m *Manager) OnError(fn func(error)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.errorListeners = append(m.errorListeners, fn)
}

// OnState registers fn to observe state transitions.
func (m *Manager) OnState(fn func(State)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.stateListeners = append(m.stateListeners, fn)
}

func (m *Manager) notifyState(s State) {
	m.listenersMu.Lock()
	fns := append([]func(State){}, m.stateListeners...)
	m.listenersMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (m *Manager) snapshotOpen() []func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	return append([]func(){}, m.openListeners...)
}

func (m *Manager) snapshotClose() []func(int) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	return append([]func(int){}, m.closeListeners...)
}

func (m *Manager) snapshotError() []func(error) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	return append([]func(error){}, m.errorListeners...)
}

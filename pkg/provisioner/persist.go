package provisioner

// PersistedState is the serialized form described in spec.md §3/§6,
// enough to survive a gateway restart.
type PersistedState struct {
	PID                int    `json:"pid" yaml:"pid"`
	PGID               int    `json:"pgid" yaml:"pgid"`
	IP                 string `json:"ip" yaml:"ip"`
	AssignedIP         string `json:"assigned_ip" yaml:"assigned_ip"`
	AssignedHost       string `json:"assigned_host" yaml:"assigned_host"`
	CommIP             string `json:"comm_ip,omitempty" yaml:"comm_ip,omitempty"`
	CommPort           int    `json:"comm_port,omitempty" yaml:"comm_port,omitempty"`
	TunneledConnectInfo bool  `json:"tunneled_connect_info" yaml:"tunneled_connect_info"`

	// BackendHandle holds the record's Placement.Handle under the single
	// key "handle", whatever the backend stored there. The placement's
	// namespace, its namespace-ownership flag and any node IP are not
	// included.
	BackendHandle map[string]any `json:"backend_handle" yaml:"backend_handle"`
}

// GetProvisionerInfo implements spec.md §4.D get_provisioner_info().
func (b *Base) GetProvisionerInfo() PersistedState {
	return PersistedState{
		PID:                 b.Record.ProcessIDs.PID,
		PGID:                b.Record.ProcessIDs.PGID,
		IP:                  b.Record.ConnectionInfo.IP,
		AssignedIP:          b.Record.Placement.AssignedIP,
		AssignedHost:        b.Record.Placement.AssignedHost,
		CommIP:              b.commIP(),
		CommPort:            b.Record.ConnectionInfo.CommPort,
		TunneledConnectInfo: b.opts.TunnelingEnabled,
		BackendHandle: map[string]any{
			"handle": b.Record.Placement.Handle,
		},
	}
}

// LoadProvisionerInfo implements spec.md §4.D load_provisioner_info(),
// restoring enough state for a restarted gateway to resume polling.
func (b *Base) LoadProvisionerInfo(s PersistedState) {
	b.Record.ProcessIDs.PID = s.PID
	b.Record.ProcessIDs.PGID = s.PGID
	b.Record.ConnectionInfo.IP = s.IP
	b.Record.ConnectionInfo.CommPort = s.CommPort
	b.Record.Placement.AssignedIP = s.AssignedIP
	b.Record.Placement.AssignedHost = s.AssignedHost
	if handle, ok := s.BackendHandle["handle"].(string); ok {
		b.Record.Placement.Handle = handle
	}
	b.mu.Lock()
	b.state = StateRunning
	b.mu.Unlock()
}

package models

// Board represents an offload device seen on the local network.
type Board struct {
	Instance     string   `json:"instance"`
	HostName     string   `json:"host_name"`
	Addresses    []string `json:"addresses"`
	SSHPort      int      `json:"ssh_port"`
	Profile      string   `json:"profile"`
	LastSeenUnix int64    `json:"last_seen_unix"`
}

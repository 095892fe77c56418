// Package heartbeat defines the request/response frames exchanged on the
// agent's long-lived heartbeat stream.
package heartbeat

import "m87.dev/shared/deploy"

// SystemInfo is sent once, on the first heartbeat of a connection.
type SystemInfo struct {
	Hostname  string   `json:"hostname"`
	OS        string   `json:"os"`
	Arch      string   `json:"arch"`
	CPUName   string   `json:"cpu_name,omitempty"`
	Cores     *int     `json:"cores,omitempty"`
	MemoryGB  *float64 `json:"memory_gb,omitempty"`
	GPUs      []string `json:"gpus,omitempty"`
	PublicIP  string   `json:"public_ip,omitempty"`
	Lat       *float64 `json:"lat,omitempty"`
	Lon       *float64 `json:"lon,omitempty"`
	Country   string   `json:"country,omitempty"`
}

// Request is written by the agent on the heartbeat stream.
type Request struct {
	LastInstructionHash string             `json:"last_instruction_hash"`
	DeployReport        *deploy.DeployReport `json:"deploy_report,omitempty"`
	ClientVersion       string             `json:"client_version,omitempty"`
	SystemInfo          *SystemInfo        `json:"system_info,omitempty"`
}

// Config carries agent-tunable settings the broker wants to push down.
type Config struct {
	HeartbeatIntervalSecs *int `json:"heartbeat_interval_secs,omitempty"`
}

// Response is read by the agent on the heartbeat stream.
type Response struct {
	InstructionHash string                      `json:"instruction_hash"`
	Config          *Config                     `json:"config,omitempty"`
	TargetRevision  *deploy.DeploymentRevision `json:"target_revision,omitempty"`
}

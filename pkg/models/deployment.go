package models

import (
	"fmt"
	"strings"
)

// AppKind identifies how an application is installed, started and routed
type AppKind string

const (
	// AppKindNode is a server-side JavaScript process kept alive by pm2
	AppKindNode AppKind = "node"
	// AppKindReact is a compiled frontend published as static files
	AppKindReact AppKind = "react"
	// AppKindPython is an interpreted script kept alive by pm2
	AppKindPython AppKind = "python"
	// AppKindStatic is a directory of assets published as-is
	AppKindStatic AppKind = "static"
)

// AppKinds lists every supported kind
var AppKinds = []AppKind{AppKindNode, AppKindReact, AppKindPython, AppKindStatic}

// Valid reports whether k is one of the supported kinds
func (k AppKind) Valid() bool {
	switch k {
	case AppKindNode, AppKindReact, AppKindPython, AppKindStatic:
		return true
	}
	return false
}

// Supervised reports whether the kind runs as a pm2 process behind a port
func (k AppKind) Supervised() bool {
	return k == AppKindNode || k == AppKindPython
}

// ParseAppKind normalizes user input into an AppKind
func ParseAppKind(s string) (AppKind, error) {
	k := AppKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unsupported app kind %q", s)
	}
	return k, nil
}

// DeploymentStatus represents the lifecycle status of a deployment row
type DeploymentStatus string

const (
	StatusPending DeploymentStatus = "PENDING"
	StatusRunning DeploymentStatus = "RUNNING"
	StatusSuccess DeploymentStatus = "SUCCESS"
	StatusFailed  DeploymentStatus = "FAILED"
)

// Terminal reports whether no further transition is expected for the attempt
func (s DeploymentStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Phase is the orchestrator's position in the pipeline
type Phase string

const (
	PhaseReceived     Phase = "RECEIVED"
	PhaseProvisioning Phase = "PROVISIONING"
	PhaseConnecting   Phase = "CONNECTING"
	PhaseInstalling   Phase = "INSTALLING"
	PhaseSyncing      Phase = "SYNCING"
	PhaseConfiguring  Phase = "CONFIGURING"
	PhaseRouting      Phase = "ROUTING"
	PhasePersisting   Phase = "PERSISTING"
	PhaseSuccess      Phase = "SUCCESS"
	PhaseFailed       Phase = "FAILED"

	// Phases outside the deploy pipeline
	PhaseEnvUpdate Phase = "ENV_UPDATE"
	PhaseDestroy   Phase = "DESTROY"
)

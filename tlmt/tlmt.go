// Package tlmt reports anonymous usage events for the lifecycle
// daemons: sweep and extraction outcomes, never user identifiers or
// token material.
package tlmt

import (
	"context"
	"crypto/sha256"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

var (
	once       sync.Once
	identifier installIdentifier
)

type Event struct {
	AnonymousID string
	Name        string
	Properties  map[string]any
}

func NewEvent(name string, props map[string]any) Event {
	installID := generateInstallID()

	// Each event gets its own map; the shared install metadata is
	// copied in, never handed out. Events are built concurrently by
	// the monitor and scheduler loops.
	properties := make(map[string]any, len(installID.meta)+len(props))

	for k, v := range installID.meta {
		properties[k] = v
	}

	for k, v := range props {
		properties[k] = v
	}

	return Event{
		AnonymousID: installID.id,
		Name:        name,
		Properties:  properties,
	}
}

type Telemetry interface {
	Send(ctx context.Context, event Event) error
	Close() error
}

type installIdentifier struct {
	id   string
	meta map[string]any
}

// generateInstallID derives a stable anonymous identifier from the
// host machine ID. Hosts without one get a random per-process ID.
func generateInstallID() installIdentifier {
	once.Do(func() {
		seed, err := host.HostID()
		if err != nil || seed == "" {
			seed = uuid.New().String()
		}

		hash := sha256.New()
		hash.Write([]byte(seed))
		hash.Write([]byte(runtime.GOARCH))
		hash.Write([]byte(runtime.GOOS))

		identifier.id = fmt.Sprintf("%x", hash.Sum(nil))
		identifier.meta = make(map[string]any)

		info, err := host.Info()
		if err == nil {
			identifier.meta["os"] = info.OS
			identifier.meta["platform"] = info.Platform
			identifier.meta["platform_version"] = info.PlatformVersion
		}
	})

	return identifier
}

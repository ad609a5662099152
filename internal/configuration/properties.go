package configuration

import (
	"fmt"
	"time"
)

type Properties struct {
	App       AppProperties       `yaml:"app"`
	Node      NodeProperties      `yaml:"node"`
	Paxos     PaxosProperties     `yaml:"paxos"`
	Engine    EngineProperties    `yaml:"engine"`
	Storage   StorageProperties   `yaml:"storage"`
	Transport TransportProperties `yaml:"transport"`
	Metrics   MetricsProperties   `yaml:"metrics"`
}

type AppProperties struct {
	Profile       string        `yaml:"profile"`
	LogLevel      string        `yaml:"log-level"`
	ClientTimeout time.Duration `yaml:"client-timeout"`
	// Serializer encodes packets, the WAL and engine metadata: "gob" or "json".
	Serializer string `yaml:"serializer"`
}

type NodeProperties struct {
	// Address is both the listen address and the identity in views.
	Address   string   `yaml:"address"`
	DataDir   string   `yaml:"data-dir"`
	Bootstrap []string `yaml:"bootstrap"`
	// Join starts the replica passive, waiting for an Install from the group.
	Join bool `yaml:"join"`
}

type WALProperties struct {
	NoSync bool `yaml:"no-sync"`
}

type PaxosProperties struct {
	TickInterval time.Duration `yaml:"tick-interval"`
	InboxSize    int           `yaml:"inbox-size"`
	CatchUpBatch int           `yaml:"catch-up-batch"`
	// Retain is how many decided slots are kept after a prune for lagging peers.
	Retain int64         `yaml:"retain"`
	Wal    WALProperties `yaml:"wal"`
}

type EngineProperties struct {
	ScanInterval      time.Duration `yaml:"scan-interval"`
	TransferChunkSize int           `yaml:"transfer-chunk-size"`
}

type StorageProperties struct {
	// Engine is "pebble" or "memory".
	Engine string `yaml:"engine"`
	NoSync bool   `yaml:"no-sync"`
}

type TransportProperties struct {
	Network              string        `yaml:"network"`
	Timeout              time.Duration `yaml:"timeout"`
	MaxConcurrentStreams uint32        `yaml:"max-concurrent-streams"`
	SendQueueSize        int           `yaml:"send-queue-size"`
}

type MetricsProperties struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Defaults returns the values used for anything the YAML files leave out.
func Defaults() Properties {
	return Properties{
		App: AppProperties{
			LogLevel:      "info",
			ClientTimeout: 5 * time.Second,
			Serializer:    "gob",
		},
		Node: NodeProperties{
			Address: "127.0.0.1:7400",
			DataDir: "data",
		},
		Paxos: PaxosProperties{
			TickInterval: 100 * time.Millisecond,
			InboxSize:    1024,
			CatchUpBatch: 256,
			Retain:       1024,
		},
		Engine: EngineProperties{
			ScanInterval:      time.Minute,
			TransferChunkSize: 512,
		},
		Storage: StorageProperties{
			Engine: "pebble",
		},
		Transport: TransportProperties{
			Network:              "tcp",
			Timeout:              2 * time.Second,
			MaxConcurrentStreams: 128,
			SendQueueSize:        1024,
		},
		Metrics: MetricsProperties{
			Enabled: true,
			Address: "127.0.0.1:9400",
		},
	}
}

const maxRetain = 1 << 13

func (p *Properties) Validate() error {
	if p.Node.Address == "" {
		return fmt.Errorf("%w: node.address is empty", ErrInvalidConfig)
	}
	if p.Paxos.TickInterval <= 0 {
		return fmt.Errorf("%w: paxos.tick-interval must be positive", ErrInvalidConfig)
	}
	if p.Paxos.InboxSize <= 0 {
		return fmt.Errorf("%w: paxos.inbox-size must be positive", ErrInvalidConfig)
	}
	// Retained slots must stay inside the paxos duplicate window.
	if p.Paxos.Retain <= 0 || p.Paxos.Retain > maxRetain {
		return fmt.Errorf("%w: paxos.retain must be in (0, %d]", ErrInvalidConfig, maxRetain)
	}
	if p.Engine.TransferChunkSize <= 0 {
		return fmt.Errorf("%w: engine.transfer-chunk-size must be positive", ErrInvalidConfig)
	}
	switch p.Storage.Engine {
	case "pebble", "memory":
	default:
		return fmt.Errorf("%w: unknown storage.engine %q", ErrInvalidConfig, p.Storage.Engine)
	}
	switch p.App.Serializer {
	case "gob", "json":
	default:
		return fmt.Errorf("%w: unknown app.serializer %q", ErrInvalidConfig, p.App.Serializer)
	}
	if p.Node.Join && len(p.Node.Bootstrap) > 0 {
		return fmt.Errorf("%w: node.join and node.bootstrap are exclusive", ErrInvalidConfig)
	}
	return nil
}

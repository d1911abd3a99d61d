// Package replica implements the replica registry: registering this
// process in the replica table on startup and removing it on shutdown,
// via an insert-or-refresh upsert keyed by a unique label column.
package replica

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/classroom-presence/internal/model"
)

// Registry manages this replica's row in the replica table.
type Registry struct {
	pool *pgxpool.Pool
}

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Register detects the local cluster-reachable IP and upserts
// (label, ip), returning the assigned ReplicaId. Failure here is fatal
// at startup.
func (r *Registry) Register(ctx context.Context, label string) (model.ReplicaId, error) {
	ip, err := detectIP()
	if err != nil {
		return model.ReplicaId{}, fmt.Errorf("replica: detect ip: %w", err)
	}

	id := model.NewReplicaId()
	var existing string
	err = r.pool.QueryRow(ctx, `
		INSERT INTO replica (id, label, ip) VALUES ($1, $2, $3)
		ON CONFLICT (label) DO UPDATE SET ip = EXCLUDED.ip
		RETURNING id`, id.String(), label, ip).Scan(&existing)
	if err != nil {
		return model.ReplicaId{}, fmt.Errorf("replica: upsert: %w", err)
	}

	resolved, err := model.ParseReplicaId(existing)
	if err != nil {
		return model.ReplicaId{}, fmt.Errorf("replica: parse returned id: %w", err)
	}
	return resolved, nil
}

// Deregister removes this replica's row. Failures here are logged and
// reported by the caller, never fatal.
func (r *Registry) Deregister(ctx context.Context, id model.ReplicaId) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM replica WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("replica: deregister: %w", err)
	}
	return nil
}

// detectIP prefers the in-cluster pod IP (set by most container
// schedulers as POD_IP) and falls back to the first OS-reported
// non-loopback address.
func detectIP() (string, error) {
	if podIP := os.Getenv("POD_IP"); podIP != "" {
		return podIP, nil
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("list interface addrs: %w", err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipNet.IP.To4() != nil {
			return ipNet.IP.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback address found")
}

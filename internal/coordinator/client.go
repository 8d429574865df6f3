package coordinator

import (
	"context"
)

// NodeClient is the set of wire calls the coordinator makes against storage
// nodes. *wire.Client implements it.
type NodeClient interface {
	Ping(ctx context.Context, addr string) error
	GetLoad(ctx context.Context, addr string) (int, error)
	List(ctx context.Context, addr, department string) ([]string, error)
	Put(ctx context.Context, addr, action, department, filename string, content []byte) (bool, error)
	Delete(ctx context.Context, addr, department, filename string) (bool, error)
	Fetch(ctx context.Context, addr, department, filename string) ([]byte, error)
}

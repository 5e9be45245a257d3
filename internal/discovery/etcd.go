package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tranqmq/tranq/internal/logging"
)

const defaultLeaseTTLSeconds = 30

// EtcdRegistry keeps producer-group callback addresses in etcd under a
// lease, so registrations from a crashed broker age out and surviving
// brokers share one view of the producer fleet.
type EtcdRegistry struct {
	client  *clientv3.Client
	leaseID clientv3.LeaseID
	prefix  string
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to etcd and establishes the registration lease
func NewEtcdRegistry(cfg *RegistryConfig) (*EtcdRegistry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd registry requires at least one endpoint")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %v", err)
	}

	ttl := cfg.LeaseTTLSeconds
	if ttl <= 0 {
		ttl = defaultLeaseTTLSeconds
	}

	ctx, cancel := context.WithCancel(context.Background())

	grantCtx, grantCancel := context.WithTimeout(ctx, 5*time.Second)
	lease, err := client.Grant(grantCtx, ttl)
	grantCancel()
	if err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("failed to grant lease: %v", err)
	}

	keepAlive, err := client.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("failed to keep lease alive: %v", err)
	}

	r := &EtcdRegistry{
		client:  client,
		leaseID: lease.ID,
		prefix:  strings.TrimSuffix(cfg.Namespace, "/") + "/producer-groups/",
		logger:  logging.GetLogger().WithComponent("etcd-registry"),
		ctx:     ctx,
		cancel:  cancel,
	}

	// drain keepalive responses so the lease channel never backs up
	go func() {
		for range keepAlive {
		}
		r.logger.Warn("Lease keepalive channel closed")
	}()

	return r, nil
}

func (r *EtcdRegistry) key(group string) string {
	return r.prefix + group
}

func (r *EtcdRegistry) Register(group, callbackAddr string) error {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	_, err := r.client.Put(ctx, r.key(group), callbackAddr, clientv3.WithLease(r.leaseID))
	if err != nil {
		return fmt.Errorf("failed to register producer group %s: %v", group, err)
	}
	r.logger.Info("Registered producer group", "group", group, "callback", callbackAddr)
	return nil
}

func (r *EtcdRegistry) Unregister(group string) error {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	resp, err := r.client.Delete(ctx, r.key(group))
	if err != nil {
		return fmt.Errorf("failed to unregister producer group %s: %v", group, err)
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("producer group not found: %s", group)
	}
	return nil
}

func (r *EtcdRegistry) Lookup(group string) (string, bool) {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	resp, err := r.client.Get(ctx, r.key(group))
	if err != nil {
		r.logger.Error("Failed to look up producer group", "group", group, "error", err)
		return "", false
	}
	if len(resp.Kvs) == 0 {
		return "", false
	}
	return string(resp.Kvs[0].Value), true
}

func (r *EtcdRegistry) Groups() (map[string]string, error) {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list producer groups: %v", err)
	}

	result := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		group := strings.TrimPrefix(string(kv.Key), r.prefix)
		result[group] = string(kv.Value)
	}
	return result, nil
}

func (r *EtcdRegistry) Close() error {
	r.cancel()

	revokeCtx, revokeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer revokeCancel()
	if _, err := r.client.Revoke(revokeCtx, r.leaseID); err != nil {
		r.logger.Warn("Failed to revoke lease", "error", err)
	}
	return r.client.Close()
}

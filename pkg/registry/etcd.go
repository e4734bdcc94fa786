// Package registry publishes the TCP endpoints of group members in etcd so
// peers without multicast can find each other.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const root = "/zephyrgroups/members/"

// Prefix is the key prefix holding the members of group.
func Prefix(group string) string {
	return root + group + "/"
}

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode stores addr under the member's key, bound to a lease of ttl
// seconds that is kept alive until cancel is called.
func RegisterNode(cli *clientv3.Client, group, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, Prefix(group)+id, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("register %s: %w", id, err)
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		// the client stops renewing if nobody reads the responses
		for range ch {
		}
	}()
	return lease.ID, kaCancel, nil
}

// GetPeers returns member id -> address for every registered member of group.
func GetPeers(ctx context.Context, cli *clientv3.Client, group string) (map[string]string, error) {
	resp, err := cli.Get(ctx, Prefix(group), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	return peersFromKVs(Prefix(group), resp.Kvs), nil
}

// WatchPeers calls fn with the full peer set of group once at start and again
// after every change. It blocks until ctx is done or the watch fails.
func WatchPeers(ctx context.Context, cli *clientv3.Client, group string, fn func(map[string]string)) error {
	prefix := Prefix(group)
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	peers := peersFromKVs(prefix, resp.Kvs)
	fn(copyPeers(peers))

	wch := cli.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wr := range wch {
		if err := wr.Err(); err != nil {
			return err
		}
		if applyEvents(peers, prefix, wr.Events) {
			fn(copyPeers(peers))
		}
	}
	return ctx.Err()
}

func peersFromKVs(prefix string, kvs []*mvccpb.KeyValue) map[string]string {
	peers := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		id := strings.TrimPrefix(string(kv.Key), prefix)
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		peers[id] = string(kv.Value)
	}
	return peers
}

// applyEvents updates peers in place and reports whether anything changed.
func applyEvents(peers map[string]string, prefix string, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		id := strings.TrimPrefix(string(ev.Kv.Key), prefix)
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		switch ev.Type {
		case mvccpb.PUT:
			if peers[id] != string(ev.Kv.Value) {
				peers[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}

func copyPeers(peers map[string]string) map[string]string {
	out := make(map[string]string, len(peers))
	for k, v := range peers {
		out[k] = v
	}
	return out
}

package twin

import (
	"context"
	"fmt"
	"sync"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

// OPCUA is the production Twin backed by a real OPC UA server. It mirrors
// the node get/set pattern of an asyncua-style client: one shared
// connection, attribute writes addressed by (twin name, attribute path)
// resolved to a NodeID in the configured namespace.
type OPCUA struct {
	client    *opcua.Client
	namespace uint16

	mu      sync.Mutex
	pending map[string]Fields
}

// DialOPCUA connects to endpoint and resolves namespaceURI to its index.
// One client is shared by all workers per the process's resource policy.
func DialOPCUA(ctx context.Context, endpoint, namespaceURI string) (*OPCUA, error) {
	client, err := opcua.NewClient(endpoint, opcua.SecurityMode(ua.MessageSecurityModeNone))
	if err != nil {
		return nil, fmt.Errorf("twin: build opcua client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("twin: connect to %s: %w", endpoint, err)
	}

	idx, err := resolveNamespaceIndex(ctx, client, namespaceURI)
	if err != nil {
		client.Close(ctx)
		return nil, err
	}

	return &OPCUA{
		client:    client,
		namespace: idx,
		pending:   make(map[string]Fields),
	}, nil
}

func resolveNamespaceIndex(ctx context.Context, client *opcua.Client, uri string) (uint16, error) {
	namespaces, err := client.NamespaceArray(ctx)
	if err != nil {
		return 0, fmt.Errorf("twin: read namespace array: %w", err)
	}
	for i, ns := range namespaces {
		if ns == uri {
			return uint16(i), nil
		}
	}
	return 0, fmt.Errorf("twin: namespace %q not found on server", uri)
}

func (t *OPCUA) Update(twinName string, fields Fields) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[twinName] = fields
}

// Commit flushes every buffered update in a single WriteRequest. Failures
// are returned for the caller to log; the buffer is cleared regardless so a
// permanently unreachable twin doesn't grow memory unbounded (the Store
// remains authoritative, so dropping a stale update is acceptable).
func (t *OPCUA) Commit(ctx context.Context) error {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]Fields)
	t.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var writes []*ua.WriteValue
	for name, fields := range pending {
		writes = append(writes, t.fieldWrites(name, fields)...)
	}

	resp, err := t.client.Write(ctx, &ua.WriteRequest{NodesToWrite: writes})
	if err != nil {
		return fmt.Errorf("twin: write request: %w", err)
	}
	for _, code := range resp.Results {
		if code != ua.StatusOK {
			return fmt.Errorf("twin: write rejected with status %v", code)
		}
	}
	return nil
}

func (t *OPCUA) fieldWrites(twinName string, f Fields) []*ua.WriteValue {
	attrs := map[string]interface{}{
		"url":                  f.URL,
		"update_time":          f.UpdateTime,
		"state":                f.State,
		"bed.actual":           f.BedActual,
		"bed.target":           f.BedTarget,
		"nozzle.actual":        f.NozzleActual,
		"nozzle.target":        f.NozzleTarget,
		"camera_url":           f.CameraURL,
		"model":                f.Model,
		"job.file":             f.JobFile,
		"job.progress":         f.JobProgress,
		"job.time_used":        f.JobTimeUsed,
		"job.time_left":        f.JobTimeLeft,
		"job.time_left_approx": f.JobTimeLeftApprox,
	}

	writes := make([]*ua.WriteValue, 0, len(attrs))
	for attr, val := range attrs {
		id := ua.NewStringNodeID(t.namespace, twinName+"."+attr)
		writes = append(writes, &ua.WriteValue{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        ua.MustVariant(val),
			},
		})
	}
	return writes
}

func (t *OPCUA) Close() error {
	return t.client.Close(context.Background())
}

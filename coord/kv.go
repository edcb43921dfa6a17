package coord

import "strings"

// Well-known KV payload keys used across node, write-request, and migration
// znode payloads.
const (
	KeyHost                 = "host"
	KeyBaPort               = "ba_port"
	KeyWorkerPort           = "worker_port"
	KeyDataPort             = "data_port"
	KeyMasterPort           = "master_port"
	KeyMasterName           = "master_name"
	KeyServiceNames         = "service_names"
	KeyServiceState         = "service_state"
	KeyReplicaID            = "replica_id"
	KeyNodeState            = "node_state"
	KeyReqType              = "req_type"
	KeyReqData              = "req_data"
	KeyMasterServerRealPath = "master_server_real_path"
	KeySelfRegPrimaryPath   = "self_reg_primary_path"
	KeyNewShardingNodeIDs   = "new_sharding_nodeids"
)

// Service readiness states advertised via a node's KeyServiceState value.
const (
	ServiceStateReadyForRead = "ReadyForRead"
	ServiceStateBusyForShard = "BusyForShard"
	ServiceStateBusyForSelf  = "BusyForSelf"
)

// CollectionKey builds the dynamic "<service>collection" payload key used to
// advertise which collection a node serves for a given service.
func CollectionKey(service string) string {
	return service + "collection"
}

const (
	pairDelim = "\n"
	kvDelim   = "="
)

// KV is an ordered key/value payload, encoded as ASCII "key=value" pairs
// separated by a single delimiter.
type KV struct {
	order  []string
	values map[string]string
}

// NewKV returns an empty KV payload builder.
func NewKV() *KV {
	return &KV{values: make(map[string]string)}
}

// Set assigns key=value, preserving first-seen insertion order on Encode.
func (k *KV) Set(key, value string) *KV {
	if _, exists := k.values[key]; !exists {
		k.order = append(k.order, key)
	}
	k.values[key] = value
	return k
}

// Get returns the value for key and whether it was present.
func (k *KV) Get(key string) (string, bool) {
	if k.values == nil {
		return "", false
	}
	v, ok := k.values[key]
	return v, ok
}

// Encode serializes the payload as "key=value" pairs joined by pairDelim.
func (k *KV) Encode() string {
	parts := make([]string, 0, len(k.order))
	for _, key := range k.order {
		parts = append(parts, key+kvDelim+k.values[key])
	}
	return strings.Join(parts, pairDelim)
}

// DecodeKV parses an ASCII key=value payload written by Encode. Malformed
// lines (missing the delimiter) are skipped rather than treated as a hard
// parse error, mirroring the tolerant line-based parsing of the payload
// codec this type replaces.
func DecodeKV(data string) *KV {
	kv := NewKV()
	if data == "" {
		return kv
	}
	for _, line := range strings.Split(data, pairDelim) {
		if line == "" {
			continue
		}
		idx := strings.Index(line, kvDelim)
		if idx < 0 {
			continue
		}
		kv.Set(line[:idx], line[idx+1:])
	}
	return kv
}

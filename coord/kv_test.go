package coord

import "testing"

func TestKVRoundTrip(t *testing.T) {
	kv := NewKV().
		Set(KeyHost, "10.0.0.1").
		Set(KeyWorkerPort, "9001").
		Set(KeyServiceState, ServiceStateReadyForRead)

	encoded := kv.Encode()

	decoded := DecodeKV(encoded)
	for _, tt := range []struct{ key, want string }{
		{KeyHost, "10.0.0.1"},
		{KeyWorkerPort, "9001"},
		{KeyServiceState, ServiceStateReadyForRead},
	} {
		got, ok := decoded.Get(tt.key)
		if !ok || got != tt.want {
			t.Errorf("Get(%q) = %q, %v, want %q, true", tt.key, got, ok, tt.want)
		}
	}
}

func TestDecodeKVEmpty(t *testing.T) {
	kv := DecodeKV("")
	if _, ok := kv.Get(KeyHost); ok {
		t.Fatal("Get() on empty payload returned ok=true")
	}
}

func TestDecodeKVSkipsMalformedLines(t *testing.T) {
	kv := DecodeKV("host=10.0.0.1\ngarbage-no-delim\nworker_port=9001")

	if got, _ := kv.Get(KeyHost); got != "10.0.0.1" {
		t.Errorf("host = %q, want 10.0.0.1", got)
	}
	if got, _ := kv.Get(KeyWorkerPort); got != "9001" {
		t.Errorf("worker_port = %q, want 9001", got)
	}
}

func TestCollectionKey(t *testing.T) {
	if got, want := CollectionKey("search"), "searchcollection"; got != want {
		t.Errorf("CollectionKey(search) = %q, want %q", got, want)
	}
}

func TestKVSetOverwritesPreservesOrder(t *testing.T) {
	kv := NewKV().Set(KeyHost, "a").Set(KeyWorkerPort, "1").Set(KeyHost, "b")
	if got, want := kv.Encode(), "host=b\nworker_port=1"; got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/stevebraown/StateRail/pkg/api"
)

// EncodeValue serializes v with msgpack, using json struct tags for field
// names.
func EncodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes data produced by EncodeValue into a T. Untyped
// numbers decode as int64, uint64 or float64 and nested objects as
// map[string]any.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

// encodeRun serializes run as it will look at the given revision.
func encodeRun(run *api.Run, revision int64) ([]byte, error) {
	cp := *run
	cp.Version = revision
	data, err := EncodeValue(&cp)
	if err != nil {
		return nil, fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	return data, nil
}

func decodeRun(data []byte, revision int64) (*api.Run, error) {
	run, err := DecodeValue[*api.Run](data)
	if err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("decode run: empty payload")
	}
	run.Version = revision
	if run.Steps == nil {
		run.Steps = map[string]*api.StepRecord{}
	}
	return run, nil
}

// encodeDefinition returns the stored JSON form of def. The version lives
// in its own column or key and is stamped back on read, so the body is the
// same for every version.
func encodeDefinition(def api.WorkflowDefinition) ([]byte, error) {
	def.Version = 0
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode definition %s: %w", def.ID, err)
	}
	return data, nil
}

func decodeDefinition(data []byte, version int) (api.WorkflowDefinition, error) {
	var def api.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("decode definition: %w", err)
	}
	def.Version = version
	return def, nil
}

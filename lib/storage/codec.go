package storage

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
)

// IJobCodec converts job descriptions to and from their stored payload form.
// The engine treats payloads as opaque bytes; the codec only runs at the
// storage boundary, and a decode failure is reported as a recoverable result
// on JobData rather than thrown across it.
type IJobCodec interface {
	Encode(job any) ([]byte, error)
	Decode(payload []byte) (any, error)
}

// --------------------------------------------------------------------------
// JSON Implementation
// --------------------------------------------------------------------------

type jsonCodec struct{}

// NewJSONCodec returns a codec storing payloads as JSON. Decoded jobs come
// back as generic JSON values (map[string]any for objects).
func NewJSONCodec() IJobCodec {
	return jsonCodec{}
}

func (jsonCodec) Encode(job any) ([]byte, error) {
	return json.Marshal(job)
}

func (jsonCodec) Decode(payload []byte) (any, error) {
	var job any
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, err
	}
	return job, nil
}

// --------------------------------------------------------------------------
// GOB Implementation
// --------------------------------------------------------------------------

type gobCodec struct{}

// NewGOBCodec returns a codec storing payloads in gob encoding. Concrete job
// types must be registered with gob.Register by the caller.
func NewGOBCodec() IJobCodec {
	return gobCodec{}
}

func (gobCodec) Encode(job any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&job); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Decode(payload []byte) (any, error) {
	var job any
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&job); err != nil {
		return nil, err
	}
	return job, nil
}

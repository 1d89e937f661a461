package kserve

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Open Inference Protocol (KServe v2) wire types.

// headerLength carries the size of the JSON header when a request or
// response uses the binary tensor extension.
const headerLength = "Inference-Header-Content-Length"

// InputTensor is one named request input. Data is omitted when the tensor
// travels in the binary section.
type InputTensor struct {
	Name       string         `json:"name"`
	Shape      []int64        `json:"shape"`
	Datatype   string         `json:"datatype"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Data       any            `json:"data,omitempty"`
}

// RequestedOutput names an output the client wants back.
type RequestedOutput struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// InferRequest is the JSON header of an inference call.
type InferRequest struct {
	ID         string            `json:"id,omitempty"`
	Parameters map[string]any    `json:"parameters,omitempty"`
	Inputs     []InputTensor     `json:"inputs"`
	Outputs    []RequestedOutput `json:"outputs,omitempty"`
}

// OutputTensor is one named response output.
type OutputTensor struct {
	Name       string          `json:"name"`
	Shape      []int64         `json:"shape"`
	Datatype   string          `json:"datatype"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`

	raw []byte
}

// InferResponse is the decoded result of an inference call.
type InferResponse struct {
	ModelName    string         `json:"model_name"`
	ModelVersion string         `json:"model_version,omitempty"`
	ID           string         `json:"id,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Outputs      []OutputTensor `json:"outputs"`
}

// TensorMetadata describes a model input or output.
type TensorMetadata struct {
	Name     string  `json:"name"`
	Datatype string  `json:"datatype"`
	Shape    []int64 `json:"shape"`
}

// ModelMetadata is returned by GET /v2/models/{name}.
type ModelMetadata struct {
	Name     string           `json:"name"`
	Versions []string         `json:"versions,omitempty"`
	Platform string           `json:"platform"`
	Inputs   []TensorMetadata `json:"inputs"`
	Outputs  []TensorMetadata `json:"outputs"`
}

// ModelConfig is the subset of the Triton model configuration extension
// that reveals where instances run.
type ModelConfig struct {
	Name          string          `json:"name"`
	InstanceGroup []InstanceGroup `json:"instance_group"`
}

// InstanceGroup places model instances on a device kind.
type InstanceGroup struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
	GPUs  []int  `json:"gpus"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Output finds a response output by name.
func (r InferResponse) Output(name string) (OutputTensor, bool) {
	for _, o := range r.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return OutputTensor{}, false
}

// Int64s decodes an integer output from either its JSON data or its binary
// payload.
func (o OutputTensor) Int64s() ([]int64, error) {
	if o.raw != nil {
		switch o.Datatype {
		case "INT64":
			if len(o.raw)%8 != 0 {
				return nil, fmt.Errorf("kserve: output %s has %d bytes, not a multiple of 8", o.Name, len(o.raw))
			}
			out := make([]int64, len(o.raw)/8)
			for i := range out {
				out[i] = int64(binary.LittleEndian.Uint64(o.raw[8*i:]))
			}
			return out, nil
		case "INT32":
			if len(o.raw)%4 != 0 {
				return nil, fmt.Errorf("kserve: output %s has %d bytes, not a multiple of 4", o.Name, len(o.raw))
			}
			out := make([]int64, len(o.raw)/4)
			for i := range out {
				out[i] = int64(int32(binary.LittleEndian.Uint32(o.raw[4*i:])))
			}
			return out, nil
		}
		return nil, fmt.Errorf("kserve: output %s has unsupported datatype %s", o.Name, o.Datatype)
	}

	var values []float64
	if err := json.Unmarshal(flatten(o.Data), &values); err != nil {
		return nil, fmt.Errorf("kserve: decode output %s: %w", o.Name, err)
	}
	out := make([]int64, len(values))
	for i, v := range values {
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("kserve: output %s holds non-integer %v", o.Name, v)
		}
		out[i] = int64(v)
	}
	return out, nil
}

// flatten turns nested JSON arrays into one flat array; the protocol allows
// both layouts for tensor data.
func flatten(data json.RawMessage) json.RawMessage {
	var nested []json.RawMessage
	if err := json.Unmarshal(data, &nested); err != nil {
		return data
	}
	if len(nested) == 0 || len(nested[0]) == 0 || nested[0][0] != '[' {
		return data
	}
	var flat []json.RawMessage
	for _, n := range nested {
		var inner []json.RawMessage
		if err := json.Unmarshal(flatten(n), &inner); err != nil {
			return data
		}
		flat = append(flat, inner...)
	}
	out, err := json.Marshal(flat)
	if err != nil {
		return data
	}
	return out
}

func numberParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

package grpcserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"skydiff/internal/engine"
	"skydiff/internal/imaging"
	"skydiff/internal/registry"
)

// Request fields.
const (
	fieldManifest     = "manifest"
	fieldField        = "field"
	fieldSensorRegion = "sensor_region"
	fieldFilter       = "filter"
	fieldTime         = "time"
)

// Response fields set when the unit failed on data quality.
const (
	fieldErrorKind = "error_kind"
	fieldErrorPair = "error_pair"
	fieldErrorOp   = "error_op"
	fieldError     = "error"
)

// EncodeRequest builds the Execute request for key of the manifest at path.
func EncodeRequest(manifest string, key registry.Key) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldManifest:     manifest,
		fieldField:        key.Field,
		fieldSensorRegion: key.SensorRegion,
		fieldFilter:       key.Filter,
		fieldTime:         key.Time.UTC().Format(time.RFC3339Nano),
	})
}

// DecodeRequest is the inverse of EncodeRequest.
func DecodeRequest(req *structpb.Struct) (string, registry.Key, error) {
	f := req.GetFields()
	str := func(name string) string { return f[name].GetStringValue() }
	manifest := str(fieldManifest)
	if manifest == "" {
		return "", registry.Key{}, errors.New("request has no manifest")
	}
	t, err := time.Parse(time.RFC3339Nano, str(fieldTime))
	if err != nil {
		return "", registry.Key{}, fmt.Errorf("request time: %w", err)
	}
	return manifest, registry.Key{Field: str(fieldField), SensorRegion: str(fieldSensorRegion), Filter: str(fieldFilter), Time: t}, nil
}

// EncodeResult carries a unit result through its JSON form.
func EncodeResult(res engine.UnitResult) (*structpb.Struct, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// EncodeDataQuality reports a data-quality failure in a successful response,
// so the caller can tell it apart from transport and systemic failures.
func EncodeDataQuality(e *imaging.Error) *structpb.Struct {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldErrorKind: structpb.NewStringValue(string(e.Kind)),
		fieldErrorPair: structpb.NewStringValue(e.PairID),
		fieldErrorOp:   structpb.NewStringValue(e.Op),
		fieldError:     structpb.NewStringValue(cause),
	}}
}

// DecodeResult returns the unit result, or the typed data-quality error the
// worker reported.
func DecodeResult(resp *structpb.Struct) (engine.UnitResult, error) {
	f := resp.GetFields()
	if kind := f[fieldErrorKind].GetStringValue(); kind != "" {
		return engine.UnitResult{}, imaging.NewError(imaging.Kind(kind),
			f[fieldErrorPair].GetStringValue(), f[fieldErrorOp].GetStringValue(),
			errors.New(f[fieldError].GetStringValue()))
	}
	raw, err := resp.MarshalJSON()
	if err != nil {
		return engine.UnitResult{}, err
	}
	var res engine.UnitResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return engine.UnitResult{}, fmt.Errorf("decode unit result: %w", err)
	}
	return res, nil
}

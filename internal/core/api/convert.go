package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ledgerline/fieldkeeper/internal/types"
)

// requestScope reads and validates the "scope" field. ALL is a rule scope,
// never a record scope.
func requestScope(in *structpb.Struct) (types.Scope, error) {
	raw := in.GetFields()["scope"].GetStringValue()
	scope, err := types.ParseScope(raw)
	if err != nil {
		return "", invalidArgument(err.Error())
	}
	if !scope.IsRecordScope() {
		return "", invalidArgument(fmt.Sprintf("scope %s cannot be evaluated, use HEADER, LINE or TAX", scope))
	}
	return scope, nil
}

func recordFromValue(v *structpb.Value) (types.Record, bool) {
	sv := v.GetStructValue()
	if sv == nil {
		return nil, false
	}
	return types.Record(sv.AsMap()), true
}

// decodeStruct copies a Struct into v through its JSON form.
func decodeStruct(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// encodeStruct converts v to a Struct through its JSON form, so every value
// the engine can put in a record (including nested maps and slices) survives.
func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}

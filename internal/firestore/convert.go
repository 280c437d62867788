package firestore

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/njoerd114/tillsync/internal/model"
)

// Server-owned fields. They are set through server timestamps and never
// written from a payload.
const (
	fieldCreatedAt = "createdAt"
	fieldUpdatedAt = "updatedAt"

	// fieldDeletedAt marks a remote tombstone. Incremental pulls delete the
	// local copy when it is set.
	fieldDeletedAt = "deletedAt"
)

// --- encoding ----------------------------------------------------------------

// encodeFields converts entity fields to values the Firestore client
// accepts, dropping the server-owned timestamp fields.
func encodeFields(f model.Fields) (map[string]any, error) {
	out := make(map[string]any, len(f))
	for k, v := range f {
		if k == fieldCreatedAt || k == fieldUpdatedAt {
			continue
		}
		ev, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = ev
	}
	return out, nil
}

// encodeUpdates turns a partial payload into field updates, one per
// top-level key, sorted by name. updatedAt is always bumped.
func encodeUpdates(f model.Fields) ([]firestore.Update, error) {
	values, err := encodeFields(f)
	if err != nil {
		return nil, err
	}
	updates := make([]firestore.Update, 0, len(values)+1)
	for _, k := range slices.Sorted(maps.Keys(values)) {
		updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{k}, Value: values[k]})
	}
	updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{fieldUpdatedAt}, Value: firestore.ServerTimestamp})
	return updates, nil
}

// encodeValue normalises v to the types the Firestore client maps onto
// wire values. JSON numbers become int64 or float64 by their literal.
func encodeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, int64, float64, time.Time, []byte:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case json.Number:
		return model.NumberValue(x)
	case []string:
		arr := make([]any, len(x))
		for i, s := range x {
			arr[i] = s
		}
		return arr, nil
	case []any:
		arr := make([]any, len(x))
		for i, e := range x {
			ev, err := encodeValue(e)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case model.Fields:
		return encodeValue(map[string]any(x))
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			ev, err := encodeValue(e)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = ev
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", model.ErrInvalid, v)
	}
}

// --- decoding ----------------------------------------------------------------

// latLng is satisfied by the geo point type the client returns.
type latLng interface {
	GetLatitude() float64
	GetLongitude() float64
}

// decodeValue maps a value read by the Firestore client onto the
// JSON-compatible types of [model.Fields].
func decodeValue(v any) any {
	switch x := v.(type) {
	case latLng:
		return map[string]any{"latitude": x.GetLatitude(), "longitude": x.GetLongitude()}
	case *firestore.DocumentRef:
		return x.Path
	case firestore.Vector64:
		return decodeValue([]float64(x))
	case firestore.Vector32:
		arr := make([]any, len(x))
		for i, f := range x {
			arr[i] = float64(f)
		}
		return arr
	case []float64:
		arr := make([]any, len(x))
		for i, f := range x {
			arr[i] = f
		}
		return arr
	case []any:
		for i, e := range x {
			x[i] = decodeValue(e)
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = decodeValue(e)
		}
		return x
	default:
		return v
	}
}

// documentToEntity converts a snapshot to an entity. The server's update
// time becomes UpdatedAt; a timestamp in deletedAt marks a tombstone.
func documentToEntity(collection string, snap *firestore.DocumentSnapshot) *model.Entity {
	data := snap.Data()
	fields := make(model.Fields, len(data))
	for k, v := range data {
		fields[k] = decodeValue(v)
	}
	e := &model.Entity{
		ID:         snap.Ref.ID,
		Collection: collection,
		Fields:     fields,
		UpdatedAt:  snap.UpdateTime,
	}
	if t, ok := fields[fieldDeletedAt].(time.Time); ok {
		e.DeletedAt = &t
	}
	return e
}

package collab

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

const updateFormatVersion = 1

// wireRun carries consecutive runes from one client where each rune was
// inserted directly after the previous one. Only the first rune's origin is
// explicit.
type wireRun struct {
	ID     ItemID `cbor:"id"`
	Origin ItemID `cbor:"o"`
	Text   string `cbor:"t"`
}

type wireUpdate struct {
	Version int       `cbor:"v"`
	Runs    []wireRun `cbor:"r,omitempty"`
	Deletes []ItemID  `cbor:"d,omitempty"`
}

type decodedUpdate struct {
	items   []item
	deletes []ItemID
}

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("collab: cbor encoder: %v", err))
	}
	return mode
}

func mustDecMode() cbor.DecMode {
	mode, err := cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("collab: cbor decoder: %v", err))
	}
	return mode
}

func encodeUpdate(items []item, deletes []ItemID) ([]byte, error) {
	ordered := make([]item, len(items))
	copy(ordered, items)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].id.Client != ordered[j].id.Client {
			return ordered[i].id.Client < ordered[j].id.Client
		}
		return ordered[i].id.Clock < ordered[j].id.Clock
	})

	envelope := wireUpdate{Version: updateFormatVersion, Deletes: deletes}
	for _, current := range ordered {
		if count := len(envelope.Runs); count > 0 {
			last := &envelope.Runs[count-1]
			lastClock := last.ID.Clock + uint64(utf8.RuneCountInString(last.Text)) - 1
			lastID := ItemID{Client: last.ID.Client, Clock: lastClock}
			if current.id.Client == lastID.Client && current.id.Clock == lastClock+1 && current.origin == lastID {
				last.Text += string(current.value)
				continue
			}
		}
		envelope.Runs = append(envelope.Runs, wireRun{
			ID:     current.id,
			Origin: current.origin,
			Text:   string(current.value),
		})
	}
	encoded, err := encMode.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("collab: encode update: %w", err)
	}
	return encoded, nil
}

// decodeUpdate validates the whole envelope before returning anything so a
// rejected update never partially applies.
func decodeUpdate(encoded []byte) (decodedUpdate, error) {
	if len(encoded) == 0 {
		return decodedUpdate{}, fmt.Errorf("%w: empty", ErrMalformedUpdate)
	}
	var envelope wireUpdate
	if err := decMode.Unmarshal(encoded, &envelope); err != nil {
		return decodedUpdate{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if envelope.Version != updateFormatVersion {
		return decodedUpdate{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, envelope.Version)
	}

	result := decodedUpdate{deletes: make([]ItemID, 0, len(envelope.Deletes))}
	for _, run := range envelope.Runs {
		if !validItemID(run.ID) {
			return decodedUpdate{}, fmt.Errorf("%w: invalid item id %s", ErrMalformedUpdate, run.ID)
		}
		if !run.Origin.IsZero() && !validItemID(run.Origin) {
			return decodedUpdate{}, fmt.Errorf("%w: invalid origin %s", ErrMalformedUpdate, run.Origin)
		}
		if run.Text == "" || !utf8.ValidString(run.Text) {
			return decodedUpdate{}, fmt.Errorf("%w: invalid run text at %s", ErrMalformedUpdate, run.ID)
		}
		origin := run.Origin
		offset := uint64(0)
		for _, value := range run.Text {
			id := ItemID{Client: run.ID.Client, Clock: run.ID.Clock + offset}
			if id == origin {
				return decodedUpdate{}, fmt.Errorf("%w: item %s is its own origin", ErrMalformedUpdate, id)
			}
			result.items = append(result.items, item{id: id, origin: origin, value: value})
			origin = id
			offset++
		}
	}
	for _, target := range envelope.Deletes {
		if !validItemID(target) {
			return decodedUpdate{}, fmt.Errorf("%w: invalid delete target %s", ErrMalformedUpdate, target)
		}
		result.deletes = append(result.deletes, target)
	}
	return result, nil
}

// ValidateUpdate reports whether encoded is a well-formed update.
func ValidateUpdate(encoded []byte) error {
	_, err := decodeUpdate(encoded)
	return err
}

func validItemID(id ItemID) bool {
	return id.Client != "" && id.Clock > 0
}

func encodeStateVector(vector StateVector) ([]byte, error) {
	encoded, err := encMode.Marshal(vector)
	if err != nil {
		return nil, fmt.Errorf("collab: encode state vector: %w", err)
	}
	return encoded, nil
}

func decodeStateVector(encoded []byte) (StateVector, error) {
	vector := make(StateVector)
	if len(encoded) == 0 {
		return vector, nil
	}
	if err := decMode.Unmarshal(encoded, &vector); err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
	}
	for client, ranges := range vector {
		for _, span := range ranges {
			if span.From == 0 || span.From > span.To {
				return nil, fmt.Errorf("%w: state vector range %d..%d for %s", ErrMalformedUpdate, span.From, span.To, client)
			}
		}
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].From < ranges[j].From })
	}
	return vector, nil
}

package collab

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ContentField names the text container every collaborative document exposes.
const ContentField = "content"

var (
	// ErrMalformedUpdate indicates that an encoded update could not be decoded.
	ErrMalformedUpdate = errors.New("collab: malformed update")
	// ErrIndexOutOfRange indicates that a local edit addressed text outside the document.
	ErrIndexOutOfRange = errors.New("collab: index out of range")
)

// ItemID identifies one inserted character across every replica.
type ItemID struct {
	Client string `cbor:"c"`
	Clock  uint64 `cbor:"k"`
}

// IsZero reports whether the identifier is the document root.
func (id ItemID) IsZero() bool {
	return id.Client == "" && id.Clock == 0
}

func (id ItemID) String() string {
	return fmt.Sprintf("%s@%d", id.Client, id.Clock)
}

// precedes orders siblings that share an origin: newer insertions come first,
// ties on the clock are broken by client identifier.
func (id ItemID) precedes(other ItemID) bool {
	if id.Clock != other.Clock {
		return id.Clock > other.Clock
	}
	return id.Client > other.Client
}

type item struct {
	id      ItemID
	origin  ItemID
	value   rune
	deleted bool
}

// Document is a replicated text sequence. Every character is a node inserted
// after an origin node; siblings are ordered by ItemID, so the rendered text
// depends only on the set of integrated items and tombstones, never on the
// order in which they arrived.
//
// Document is not safe for concurrent use; SessionManager serializes access.
type Document struct {
	clientID   string
	clock      uint64
	items      map[ItemID]*item
	children   map[ItemID][]ItemID
	tombstones map[ItemID]struct{}
}

// NewDocument returns an empty document whose local edits are attributed to clientID.
func NewDocument(clientID string) *Document {
	return &Document{
		clientID:   clientID,
		items:      make(map[ItemID]*item),
		children:   make(map[ItemID][]ItemID),
		tombstones: make(map[ItemID]struct{}),
	}
}

// DecodeDocument builds a document from an encoded full state. Malformed input
// is logged and yields an empty document.
func DecodeDocument(clientID string, encoded []byte, logger *zap.Logger) *Document {
	doc := NewDocument(clientID)
	if len(encoded) == 0 {
		return doc
	}
	if err := doc.ApplyUpdate(encoded); err != nil {
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Warn("crdt decode failed, starting empty document",
			zap.String("client_id", clientID),
			zap.Int("bytes", len(encoded)),
			zap.Error(err))
		return NewDocument(clientID)
	}
	return doc
}

// ClientID returns the identifier stamped on local edits.
func (d *Document) ClientID() string {
	return d.clientID
}

// ApplyUpdate merges an encoded update. Items and deletions already known are
// ignored, so duplicated or overlapping updates are harmless. A malformed
// update leaves the document untouched.
func (d *Document) ApplyUpdate(encoded []byte) error {
	decoded, err := decodeUpdate(encoded)
	if err != nil {
		return err
	}
	for _, incoming := range decoded.items {
		d.integrate(incoming)
	}
	for _, target := range decoded.deletes {
		d.markDeleted(target)
	}
	return nil
}

// Insert places text at the visible rune index and returns the encoded delta.
func (d *Document) Insert(index int, text string) ([]byte, error) {
	visible := d.visibleIDs()
	if index < 0 || index > len(visible) {
		return nil, fmt.Errorf("%w: insert at %d of %d", ErrIndexOutOfRange, index, len(visible))
	}
	if text == "" {
		return encodeUpdate(nil, nil)
	}
	origin := ItemID{}
	if index > 0 {
		origin = visible[index-1]
	}
	created := make([]item, 0, len(text))
	for _, value := range text {
		next := item{
			id:     ItemID{Client: d.clientID, Clock: d.clock + 1},
			origin: origin,
			value:  value,
		}
		d.integrate(next)
		created = append(created, next)
		origin = next.id
	}
	return encodeUpdate(created, nil)
}

// Delete removes length visible runes starting at index and returns the encoded delta.
func (d *Document) Delete(index, length int) ([]byte, error) {
	visible := d.visibleIDs()
	if index < 0 || length < 0 || index+length > len(visible) {
		return nil, fmt.Errorf("%w: delete %d..%d of %d", ErrIndexOutOfRange, index, index+length, len(visible))
	}
	removed := make([]ItemID, length)
	copy(removed, visible[index:index+length])
	for _, target := range removed {
		d.markDeleted(target)
	}
	return encodeUpdate(nil, removed)
}

// Text materializes the merged plain text.
func (d *Document) Text() string {
	var builder strings.Builder
	d.walk(func(current *item) {
		if !current.deleted {
			builder.WriteRune(current.value)
		}
	})
	return builder.String()
}

// Len returns the number of visible runes.
func (d *Document) Len() int {
	return len(d.visibleIDs())
}

// EncodeStateAsUpdate encodes every item and tombstone as a single update.
func (d *Document) EncodeStateAsUpdate() []byte {
	all := make([]item, 0, len(d.items))
	for _, stored := range d.items {
		all = append(all, *stored)
	}
	encoded, err := encodeUpdate(all, d.deletedIDs())
	if err != nil {
		// encodeUpdate only fails on values the codec cannot represent, which
		// the document never holds.
		panic(fmt.Sprintf("collab: encode state: %v", err))
	}
	return encoded
}

// ClockRange is an inclusive span of clocks held for one client.
type ClockRange struct {
	_    struct{} `cbor:",toarray"`
	From uint64
	To   uint64
}

// StateVector lists the clock ranges a replica holds per client. Items can
// arrive out of order, so a single high-water mark per client would hide gaps.
type StateVector map[string][]ClockRange

// Holds reports whether id falls inside one of the vector's ranges. Ranges
// must be sorted and disjoint.
func (vector StateVector) Holds(id ItemID) bool {
	ranges := vector[id.Client]
	index := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].To >= id.Clock
	})
	return index < len(ranges) && ranges[index].From <= id.Clock
}

// StateVector reports the clocks integrated per client as merged ranges.
func (d *Document) StateVector() StateVector {
	clocks := make(map[string][]uint64)
	for id := range d.items {
		clocks[id.Client] = append(clocks[id.Client], id.Clock)
	}
	vector := make(StateVector, len(clocks))
	for client, values := range clocks {
		sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
		ranges := make([]ClockRange, 0, 1)
		for _, clock := range values {
			if count := len(ranges); count > 0 && ranges[count-1].To+1 == clock {
				ranges[count-1].To = clock
				continue
			}
			ranges = append(ranges, ClockRange{From: clock, To: clock})
		}
		vector[client] = ranges
	}
	return vector
}

// EncodeStateVector encodes StateVector for exchange with a peer.
func (d *Document) EncodeStateVector() ([]byte, error) {
	return encodeStateVector(d.StateVector())
}

// EncodeUpdateSince returns the items a peer holding the encoded state vector
// is missing. Every tombstone is included; re-applying a known deletion is a no-op.
func (d *Document) EncodeUpdateSince(encodedVector []byte) ([]byte, error) {
	vector, err := decodeStateVector(encodedVector)
	if err != nil {
		return nil, err
	}
	missing := make([]item, 0)
	for id, stored := range d.items {
		if !vector.Holds(id) {
			missing = append(missing, *stored)
		}
	}
	return encodeUpdate(missing, d.deletedIDs())
}

func (d *Document) integrate(incoming item) bool {
	if _, exists := d.items[incoming.id]; exists {
		return false
	}
	if _, removed := d.tombstones[incoming.id]; removed {
		incoming.deleted = true
	}
	stored := incoming
	d.items[incoming.id] = &stored

	siblings := d.children[incoming.origin]
	position := sort.Search(len(siblings), func(i int) bool {
		return !siblings[i].precedes(incoming.id)
	})
	siblings = append(siblings, ItemID{})
	copy(siblings[position+1:], siblings[position:])
	siblings[position] = incoming.id
	d.children[incoming.origin] = siblings

	if incoming.id.Clock > d.clock {
		d.clock = incoming.id.Clock
	}
	return true
}

func (d *Document) markDeleted(target ItemID) {
	d.tombstones[target] = struct{}{}
	if stored, ok := d.items[target]; ok {
		stored.deleted = true
	}
}

// walk visits items in document order. Items whose origin has not arrived yet
// stay unreachable until it does.
func (d *Document) walk(visit func(*item)) {
	stack := make([]ItemID, 0, 32)
	pushChildren := func(parent ItemID) {
		siblings := d.children[parent]
		for index := len(siblings) - 1; index >= 0; index-- {
			stack = append(stack, siblings[index])
		}
	}
	pushChildren(ItemID{})
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(d.items[current])
		pushChildren(current)
	}
}

func (d *Document) visibleIDs() []ItemID {
	visible := make([]ItemID, 0, len(d.items))
	d.walk(func(current *item) {
		if !current.deleted {
			visible = append(visible, current.id)
		}
	})
	return visible
}

func (d *Document) deletedIDs() []ItemID {
	deleted := make([]ItemID, 0, len(d.tombstones))
	for id := range d.tombstones {
		deleted = append(deleted, id)
	}
	sortItemIDs(deleted)
	return deleted
}

func sortItemIDs(ids []ItemID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Client != ids[j].Client {
			return ids[i].Client < ids[j].Client
		}
		return ids[i].Clock < ids[j].Clock
	})
}

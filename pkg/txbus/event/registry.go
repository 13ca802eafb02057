package event

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Schema describes a kind and the Go type of its payload.
type Schema struct {
	// Kind is the event kind.
	Kind Kind

	// Description explains the event's purpose.
	Description string

	// Tags enable grouping (e.g. "inventory", "ledger").
	Tags []string

	// New returns a pointer to a zero payload value used for decoding.
	// Nil means the payload is decoded as map[string]any.
	New func() any
}

// Registry maps kinds to schemas. It is used to turn serialized payloads
// (journaled compensation commands) back into typed payloads.
type Registry struct {
	mu      sync.RWMutex
	schemas map[Kind]*Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[Kind]*Schema),
	}
}

// Register adds or replaces a schema.
func (r *Registry) Register(schema *Schema) error {
	if schema.Kind == "" {
		return fmt.Errorf("event kind is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Kind] = schema
	return nil
}

// Get returns the schema for a kind.
func (r *Registry) Get(kind Kind) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.schemas[kind]
	return schema, ok
}

// Has returns true if a schema exists for the kind.
func (r *Registry) Has(kind Kind) bool {
	_, ok := r.Get(kind)
	return ok
}

// Kinds returns all registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.schemas))
	for k := range r.schemas {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ListByTag returns all schemas with a given tag.
func (r *Registry) ListByTag(tag string) []*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var schemas []*Schema
	for _, schema := range r.schemas {
		for _, t := range schema.Tags {
			if t == tag {
				schemas = append(schemas, schema)
				break
			}
		}
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Kind < schemas[j].Kind })
	return schemas
}

// Decode unmarshals a JSON payload into the kind's payload type and
// returns the value (not the pointer).
func (r *Registry) Decode(kind Kind, data []byte) (any, error) {
	schema, ok := r.Get(kind)
	if !ok {
		return nil, fmt.Errorf("unknown event kind: %s", kind)
	}

	if schema.New == nil {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return m, nil
	}

	ptr := schema.New()
	if err := json.Unmarshal(data, ptr); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return deref(ptr), nil
}

func deref(ptr any) any {
	v := reflect.ValueOf(ptr)
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		return v.Elem().Interface()
	}
	return ptr
}

func schemaOf[T any](kind Kind, description string, tags ...string) *Schema {
	return &Schema{
		Kind:        kind,
		Description: description,
		Tags:        tags,
		New:         func() any { return new(T) },
	}
}

// DefaultRegistry returns a registry populated with every built-in kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range []*Schema{
		schemaOf[StockMovement](StockReserved, "units held for a pending sale", "inventory"),
		schemaOf[StockMovement](StockReleased, "reservation released", "inventory"),
		schemaOf[StockMovement](StockReduced, "units removed from stock", "inventory"),
		schemaOf[StockMovement](StockRestored, "units returned to stock", "inventory"),
		schemaOf[BatchChange](BatchAdded, "inventory batch received", "inventory", "purchase"),
		schemaOf[BatchChange](BatchRemoved, "inventory batch withdrawn", "inventory", "purchase"),
		schemaOf[BalanceChange](CustomerBalanceCharged, "customer credit consumed", "customer"),
		schemaOf[BalanceChange](CustomerBalanceCredited, "customer credit returned", "customer"),
		schemaOf[SupplierAdjustment](SupplierBalanceAdjusted, "supplier payable changed", "supplier", "purchase"),
		schemaOf[SaleCompletedPayload](SaleCompleted, "sale written to the ledger", "ledger"),
		schemaOf[RefundProcessedPayload](RefundProcessed, "refund written to the ledger", "ledger"),
		schemaOf[PurchaseOrderPayload](PurchaseOrderCreated, "purchase order recorded", "ledger", "purchase"),
		schemaOf[TillEvent](TillOpened, "till session opened", "till"),
		schemaOf[CashCount](TillCashCounted, "cash counted against expected", "till"),
		schemaOf[CashVariance](TillOverageRecorded, "cash overage booked as profit", "till"),
		schemaOf[CashVariance](TillShortageRecorded, "cash shortage booked as loss", "till"),
		schemaOf[TillEvent](TillClosed, "till session closed", "till"),
		schemaOf[TransactionLifecycle](TransactionCommit, "transaction committed", "lifecycle"),
		schemaOf[TransactionLifecycle](TransactionRollback, "transaction rolled back", "lifecycle"),
	} {
		_ = r.Register(s)
	}
	return r
}

package vm

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrObjectNotFound indicates the requested object doesn't exist in the
// store or the object space.
var ErrObjectNotFound = errors.New("object not found")

// Persistence stores object slot tables as JSON rows in SQLite.
// Native slots are not serializable and are dropped on save.
type Persistence struct {
	db     *sql.DB
	dbPath string
	space  *ObjectSpace
	mu     sync.Mutex
}

// NewPersistence opens (creating if needed) the object store at dbPath.
func NewPersistence(dbPath string, space *ObjectSpace) (*Persistence, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS objects (
		id TEXT PRIMARY KEY,
		data JSON NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Persistence{db: db, dbPath: dbPath, space: space}, nil
}

// Close closes the database connection.
func (p *Persistence) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Save persists an object's local slots to the store.
func (p *Persistence) Save(obj *Object) error {
	if obj == nil {
		return errors.New("save: nil object")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := encodeSlots(obj.Slots())
	if err != nil {
		return fmt.Errorf("serializing %s: %w", obj.ID, err)
	}

	_, err = p.db.Exec(
		"INSERT OR REPLACE INTO objects (id, data) VALUES (?, json(?))",
		obj.ID, string(data),
	)
	if err != nil {
		return fmt.Errorf("saving %s: %w", obj.ID, err)
	}
	return nil
}

// SaveAll persists every live object in the space.
func (p *Persistence) SaveAll() error {
	p.space.objMu.RLock()
	objs := make([]*Object, 0, len(p.space.objects))
	for _, obj := range p.space.objects {
		objs = append(objs, obj)
	}
	p.space.objMu.RUnlock()

	for _, obj := range objs {
		if err := p.Save(obj); err != nil {
			return err
		}
	}
	return nil
}

// Load retrieves an object by ID. If the object is already live in the
// space it is returned directly; otherwise it is reconstructed from the
// store and registered under its original ID.
func (p *Persistence) Load(id string) (*Object, error) {
	if obj := p.space.Lookup(id); obj != nil {
		return obj, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var data string
	err := p.db.QueryRow("SELECT data FROM objects WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("querying %s: %w", id, err)
	}

	slots, err := p.decodeSlots([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("deserializing %s: %w", id, err)
	}

	obj := &Object{ID: id, slots: slots}
	p.space.objMu.Lock()
	p.space.objects[id] = obj
	p.space.objMu.Unlock()
	return obj, nil
}

// Delete removes an object from the store. Removing a missing row is
// not an error.
func (p *Persistence) Delete(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.db.Exec("DELETE FROM objects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// JSON slot encoding
// ---------------------------------------------------------------------------

// Object references serialize as {"$object": id} and are re-linked on
// load if the referent is live; dangling references decode to nil.

func encodeSlots(slots map[string]Value) ([]byte, error) {
	tree := make(map[string]any, len(slots))
	for name, v := range slots {
		if v.Kind == KindNative {
			continue
		}
		tree[name] = valueToTree(v)
	}
	return json.Marshal(tree)
}

func valueToTree(v Value) any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Num
	case KindString:
		return v.Str
	case KindList:
		out := make([]any, len(v.List))
		for i, e := range v.List {
			out[i] = valueToTree(e)
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.Map))
		for k, e := range v.Map {
			out[k] = valueToTree(e)
		}
		return out
	case KindObject:
		if v.Obj == nil {
			return nil
		}
		return map[string]any{"$object": v.Obj.ID}
	}
	return nil
}

func (p *Persistence) decodeSlots(data []byte) (map[string]Value, error) {
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	slots := make(map[string]Value, len(tree))
	for name, x := range tree {
		slots[name] = p.treeToValue(x)
	}
	return slots, nil
}

func (p *Persistence) treeToValue(x any) Value {
	switch t := x.(type) {
	case nil:
		return NilValue()
	case bool:
		return BoolValue(t)
	case float64:
		return NumberValue(t)
	case string:
		return StringValue(t)
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			elems[i] = p.treeToValue(e)
		}
		return ListValue(elems...)
	case map[string]any:
		if ref, ok := t["$object"].(string); ok && len(t) == 1 {
			if obj := p.space.Lookup(ref); obj != nil {
				return ObjectValue(obj)
			}
			return NilValue()
		}
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = p.treeToValue(e)
		}
		return MapValue(m)
	}
	return NilValue()
}

// channel.go
package change

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/tidwall/gjson"
)

// KeyType is the broadcast scope a Channel Key denotes.
type KeyType string

const (
	KeyGlobal    KeyType = "global"
	KeyWorkspace KeyType = "workspace"
	KeyBoard     KeyType = "board"
	KeyEntity    KeyType = "entity"
	KeyRows      KeyType = "rows"
)

// ChannelKey identifies a broadcast scope. It is a comparable value and is
// used directly as a map key on both sides of the wire.
//
//	global:<kind>
//	workspace:<id>
//	board:<id>
//	entity:<kind>:<id>
//	rows:<kind>:<field>=<value>
type ChannelKey struct {
	Type     KeyType
	Resource string
	ID       string
	Field    string
	Value    string
}

// GlobalKey is the channel carrying every row of one resource kind.
func GlobalKey(kind string) ChannelKey {
	return ChannelKey{Type: KeyGlobal, Resource: kind}
}

// ScopeKey is the channel of a workspace or board.
func ScopeKey(scope Scope) ChannelKey {
	return ChannelKey{Type: KeyType(scope.Kind), Resource: scope.Kind, ID: scope.ID}
}

// EntityKey is the channel of a single entity.
func EntityKey(kind, id string) ChannelKey {
	return ChannelKey{Type: KeyEntity, Resource: kind, ID: id}
}

// RowsKey is the channel of the rows of kind whose field equals value.
func RowsKey(kind, field, value string) ChannelKey {
	return ChannelKey{Type: KeyRows, Resource: kind, Field: field, Value: value}
}

func (k ChannelKey) String() string {
	switch k.Type {
	case KeyGlobal:
		return fmt.Sprintf("global:%s", k.Resource)
	case KeyWorkspace, KeyBoard:
		return fmt.Sprintf("%s:%s", k.Type, k.ID)
	case KeyEntity:
		return fmt.Sprintf("entity:%s:%s", k.Resource, k.ID)
	case KeyRows:
		return fmt.Sprintf("rows:%s:%s=%s", k.Resource, k.Field, k.Value)
	}
	return ""
}

// MarshalText implements encoding.TextMarshaler.
func (k ChannelKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ChannelKey) UnmarshalText(text []byte) error {
	parsed, err := ParseChannelKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseChannelKey parses and validates the canonical string form.
func ParseChannelKey(s string) (ChannelKey, error) {
	head, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return ChannelKey{}, errors.NotValidf("channel key %q", s)
	}
	var key ChannelKey
	switch KeyType(head) {
	case KeyGlobal:
		key = GlobalKey(rest)
	case KeyWorkspace, KeyBoard:
		key = ScopeKey(Scope{Kind: head, ID: rest})
	case KeyEntity:
		kind, id, ok := strings.Cut(rest, ":")
		if !ok {
			return ChannelKey{}, errors.NotValidf("entity channel key %q", s)
		}
		key = EntityKey(kind, id)
	case KeyRows:
		kind, filter, ok := strings.Cut(rest, ":")
		if !ok {
			return ChannelKey{}, errors.NotValidf("rows channel key %q", s)
		}
		field, value, ok := strings.Cut(filter, "=")
		if !ok {
			return ChannelKey{}, errors.NotValidf("rows channel filter %q", filter)
		}
		key = RowsKey(kind, field, value)
	default:
		return ChannelKey{}, errors.NotValidf("channel key type %q", head)
	}
	if err := key.Validate(); err != nil {
		return ChannelKey{}, errors.Trace(err)
	}
	return key, nil
}

// Validate checks the key's shape against the kind catalogue.
func (k ChannelKey) Validate() error {
	info, ok := LookupKind(k.Resource)
	if !ok {
		return errors.NotValidf("resource kind %q", k.Resource)
	}
	switch k.Type {
	case KeyGlobal:
		return nil
	case KeyWorkspace, KeyBoard:
		if k.Resource != string(k.Type) || k.ID == "" {
			return errors.NotValidf("scope channel %q", k.String())
		}
	case KeyEntity:
		if k.ID == "" {
			return errors.NotValidf("entity channel without id")
		}
	case KeyRows:
		if k.Value == "" {
			return errors.NotValidf("rows channel without value")
		}
		if k.Field == "" || (k.Field != info.ParentField && k.Field != UserField) {
			return errors.NotValidf("rows filter field %q for %s", k.Field, k.Resource)
		}
	default:
		return errors.NotValidf("channel key type %q", k.Type)
	}
	return nil
}

// Scope returns the access scope the key is addressed to when it can be
// derived from the key alone. Entity keys of non-scope kinds and rows keys
// filtered on a non-scope parent need resolution through the parent chain;
// for those Scope returns the ref to resolve instead.
func (k ChannelKey) Scope() (Scope, EntityRef, bool) {
	switch k.Type {
	case KeyWorkspace, KeyBoard:
		return Scope{Kind: k.Resource, ID: k.ID}, EntityRef{}, true
	case KeyEntity:
		ref := EntityRef{Kind: k.Resource, ID: k.ID}
		if s, ok := ScopeOf(ref); ok {
			return s, EntityRef{}, true
		}
		return Scope{}, ref, true
	case KeyRows:
		if k.Field == UserField {
			return Scope{}, EntityRef{}, false
		}
		info, _ := LookupKind(k.Resource)
		parent := EntityRef{Kind: info.Parent, ID: k.Value}
		if s, ok := ScopeOf(parent); ok {
			return s, EntityRef{}, true
		}
		return Scope{}, parent, true
	}
	return Scope{}, EntityRef{}, false
}

// Matches reports whether a rows key's filter selects ev, on either its new
// or its old state. Non-rows keys never match by content.
func (k ChannelKey) Matches(ev Event) bool {
	if k.Type != KeyRows || ev.Resource != k.Resource {
		return false
	}
	for _, state := range [][]byte{ev.New, ev.Old} {
		if len(state) == 0 {
			continue
		}
		if r := gjson.GetBytes(state, k.Field); r.Exists() && r.String() == k.Value {
			return true
		}
	}
	return false
}

package permission

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Level is the axis along which access is checked, independently of the
// resource type.
type Level string

const (
	LevelView    Level = "view"
	LevelEdit    Level = "edit"
	LevelApprove Level = "approve"
	LevelAdmin   Level = "admin"
)

// Levels lists the four permission levels in their canonical order.
var Levels = []Level{LevelView, LevelEdit, LevelApprove, LevelAdmin}

type specKind int

const (
	kindNone specKind = iota
	kindAllResources
	kindResourceList
	kindResourceMap
)

// Spec is the permission grant for one level. It is a tagged variant:
// a wildcard over all resource types, a set of resource-type names, or a
// per-type instance grant. The JSON form follows the persisted shape:
// "*" for the wildcard, an array for a type list, and an object mapping
// resource types to "*" or an array of instance ids.
type Spec struct {
	kind      specKind
	resources []string
	instances map[string]InstanceSpec
}

// InstanceSpec is the per-resource-type half of a ResourceMap grant: either
// every instance of the type, or an explicit id list.
type InstanceSpec struct {
	all bool
	ids []string
}

// AllInstances grants every instance of a resource type.
func AllInstances() InstanceSpec { return InstanceSpec{all: true} }

// Instances grants only the listed instance ids.
func Instances(ids ...string) InstanceSpec {
	return InstanceSpec{ids: append([]string(nil), ids...)}
}

// AllResources is the wildcard grant over every resource type.
func AllResources() Spec { return Spec{kind: kindAllResources} }

// Resources grants access to the named resource types, every instance.
func Resources(types ...string) Spec {
	return Spec{kind: kindResourceList, resources: append([]string(nil), types...)}
}

// ResourceMatrix grants per-type instance access.
func ResourceMatrix(m map[string]InstanceSpec) Spec {
	copied := make(map[string]InstanceSpec, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return Spec{kind: kindResourceMap, instances: copied}
}

// None grants nothing. The zero Spec behaves the same way.
func None() Spec { return Spec{kind: kindNone} }

// Allows reports whether the grant covers the resource type, and, for
// instance-scoped grants, the specific resource id.
func (s Spec) Allows(resourceType, resourceID string) bool {
	switch s.kind {
	case kindAllResources:
		return true
	case kindResourceList:
		for _, t := range s.resources {
			if t == resourceType {
				return true
			}
		}
		return false
	case kindResourceMap:
		inst, ok := s.instances[resourceType]
		if !ok {
			return false
		}
		if inst.all {
			return true
		}
		for _, id := range inst.ids {
			if id != "" && id == resourceID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Values returns the granted resource types as they were given: the literal
// "*" for a wildcard, the type list in declaration order, or the map keys
// (sorted, since the JSON object carries no order).
func (s Spec) Values() []string {
	switch s.kind {
	case kindAllResources:
		return []string{"*"}
	case kindResourceList:
		return append([]string(nil), s.resources...)
	case kindResourceMap:
		keys := make([]string, 0, len(s.instances))
		for k := range s.instances {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	default:
		return nil
	}
}

func (s Spec) MarshalJSON() ([]byte, error) {
	switch s.kind {
	case kindAllResources:
		return json.Marshal("*")
	case kindResourceList:
		if s.resources == nil {
			return json.Marshal([]string{})
		}
		return json.Marshal(s.resources)
	case kindResourceMap:
		m := make(map[string]json.RawMessage, len(s.instances))
		for k, inst := range s.instances {
			raw, err := inst.marshal()
			if err != nil {
				return nil, err
			}
			m[k] = raw
		}
		return json.Marshal(m)
	default:
		return json.Marshal([]string{})
	}
}

func (s *Spec) UnmarshalJSON(data []byte) error {
	var wildcard string
	if err := json.Unmarshal(data, &wildcard); err == nil {
		if wildcard != "*" {
			return fmt.Errorf("permission: unknown spec literal %q", wildcard)
		}
		*s = AllResources()
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = Spec{kind: kindResourceList, resources: list}
		return nil
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("permission: spec must be \"*\", a type list, or a type map")
	}
	instances := make(map[string]InstanceSpec, len(m))
	for k, raw := range m {
		var inst InstanceSpec
		if err := inst.unmarshal(raw); err != nil {
			return fmt.Errorf("permission: resource %q: %w", k, err)
		}
		instances[k] = inst
	}
	*s = Spec{kind: kindResourceMap, instances: instances}
	return nil
}

func (i InstanceSpec) marshal() (json.RawMessage, error) {
	if i.all {
		return json.Marshal("*")
	}
	if i.ids == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(i.ids)
}

func (i *InstanceSpec) unmarshal(data []byte) error {
	var wildcard string
	if err := json.Unmarshal(data, &wildcard); err == nil {
		if wildcard != "*" {
			return fmt.Errorf("unknown instance literal %q", wildcard)
		}
		*i = AllInstances()
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("instance grant must be \"*\" or an id list")
	}
	*i = InstanceSpec{ids: ids}
	return nil
}

// Role couples an identifier with one grant per level. Redefining a role is
// last-write-wins: the resolver replaces the whole grant set without merging.
type Role struct {
	ID     string         `json:"id"`
	Grants map[Level]Spec `json:"grants"`
}

// Grant returns the role's spec at the given level; absent levels grant
// nothing.
func (r Role) Grant(level Level) Spec {
	if r.Grants == nil {
		return None()
	}
	spec, ok := r.Grants[level]
	if !ok {
		return None()
	}
	return spec
}

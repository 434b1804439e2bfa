package uida

import (
	"sort"
	"sync"
)

// Built-in namespaces.
const (
	NSModItem        = "mc.mod.item"
	NSModBlock       = "mc.mod.block"
	NSModEntity      = "mc.mod.entity"
	NSModGUI         = "mc.mod.gui"
	NSModRecipe      = "mc.mod.recipe"
	NSModAdvancement = "mc.mod.advancement"
	NSModLang        = "mc.mod.lang"

	NSResourcePackLang    = "mc.resourcepack.lang"
	NSResourcePackTexture = "mc.resourcepack.texture"
	NSResourcePackModel   = "mc.resourcepack.model"

	NSDataPackRecipe      = "mc.datapack.recipe"
	NSDataPackAdvancement = "mc.datapack.advancement"
	NSDataPackLootTable   = "mc.datapack.loot_table"

	NSVanillaLang  = "mc.vanilla.lang"
	NSVanillaItem  = "mc.vanilla.item"
	NSVanillaBlock = "mc.vanilla.block"

	NSLanguageFile = "mc.langfile"
)

// Registry maps namespaces to the keys a well-formed key set carries.
// Missing keys are tolerated (schema evolution) and only warned about.
type Registry struct {
	mu       sync.RWMutex
	required map[string][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{required: make(map[string][]string)}
}

// DefaultRegistry returns a new registry holding the built-in catalog.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NSModItem, "mod_id", "item_id", "locale")
	r.Register(NSModBlock, "mod_id", "block_id", "locale")
	r.Register(NSModEntity, "mod_id", "entity_id", "locale")
	r.Register(NSModGUI, "mod_id", "gui_id", "locale")
	r.Register(NSModRecipe, "mod_id", "recipe_id")
	r.Register(NSModAdvancement, "mod_id", "advancement_id")
	r.Register(NSModLang, "mod_id", "key", "locale")

	r.Register(NSResourcePackLang, "pack_id", "locale", "key")
	r.Register(NSResourcePackTexture, "pack_id", "texture_path")
	r.Register(NSResourcePackModel, "pack_id", "model_path")

	r.Register(NSDataPackRecipe, "pack_id", "recipe_id")
	r.Register(NSDataPackAdvancement, "pack_id", "advancement_id")
	r.Register(NSDataPackLootTable, "pack_id", "loot_table_id")

	r.Register(NSVanillaLang, "key", "locale")
	r.Register(NSVanillaItem, "item_id")
	r.Register(NSVanillaBlock, "block_id")

	r.Register(NSLanguageFile, "carrier_type", "carrier_uid", "locale")
	return r
}

// Register sets (or replaces) the required keys of namespace.
func (r *Registry) Register(namespace string, required ...string) {
	keys := append([]string(nil), required...)
	sort.Strings(keys)

	r.mu.Lock()
	r.required[namespace] = keys
	r.mu.Unlock()
}

// Required returns the required keys of namespace and whether it is registered.
func (r *Registry) Required(namespace string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys, ok := r.required[namespace]
	return append([]string(nil), keys...), ok
}

// Missing lists required keys of namespace absent from keys.
func (r *Registry) Missing(namespace string, keys map[string]any) []string {
	required, _ := r.Required(namespace)
	return missingKeys(required, keys)
}

// Namespaces lists registered namespaces in sorted order.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.required))
	for ns := range r.required {
		out = append(out, ns)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

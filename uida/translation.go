package uida

import "strings"

// lang key prefix -> namespace and id key
var keyTypes = map[string]struct {
	namespace string
	idKey     string
}{
	"item":        {NSModItem, "item_id"},
	"block":       {NSModBlock, "block_id"},
	"entity":      {NSModEntity, "entity_id"},
	"entitytype":  {NSModEntity, "entity_id"},
	"gui":         {NSModGUI, "gui_id"},
	"screen":      {NSModGUI, "gui_id"},
	"container":   {NSModGUI, "gui_id"},
	"advancement": {NSModAdvancement, "advancement_id"},
}

// ForTranslationKey derives the UIDA of a lang-file key such as
// "item.create.brass_ingot". The mod id embedded in the key wins over modID.
// Keys that do not follow "<type>.<mod>.<id>" are named under NSModLang.
func (e *Encoder) ForTranslationKey(modID, translationKey, locale string) (UIDA, error) {
	parts := strings.SplitN(translationKey, ".", 3)
	if len(parts) == 3 && parts[1] != "" && parts[2] != "" {
		if kt, ok := keyTypes[parts[0]]; ok {
			return e.Generate(kt.namespace, map[string]any{
				"mod_id": parts[1],
				kt.idKey: parts[2],
				"locale": locale,
			})
		}
	}

	return e.Generate(NSModLang, map[string]any{
		"mod_id": modID,
		"key":    translationKey,
		"locale": locale,
	})
}

// ForLanguageFile derives the UIDA of a language file inside a carrier
// (mod jar, resource pack, data pack).
func (e *Encoder) ForLanguageFile(carrierType, carrierUID, locale, path string) (UIDA, error) {
	keys := map[string]any{
		"carrier_type": carrierType,
		"carrier_uid":  carrierUID,
		"locale":       locale,
	}
	if path != "" {
		keys["file_path"] = path
	}
	return e.Generate(NSLanguageFile, keys)
}

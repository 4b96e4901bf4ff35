package snapshot

import (
	"github.com/tidwall/gjson"
)

var requiredFields = []struct {
	path  string
	types []gjson.Type
}{
	{"id", []gjson.Type{gjson.String}},
	{"gameId", []gjson.Type{gjson.String}},
	{"localVersion", []gjson.Type{gjson.Number}},
	{"serverVersion", []gjson.Type{gjson.Number}},
	{"gameState", []gjson.Type{gjson.JSON}},
	{"userId", []gjson.Type{gjson.String}},
	{"timestamp", []gjson.Type{gjson.Number}},
	{"dirty", []gjson.Type{gjson.True, gjson.False}},
	{"syncStatus", []gjson.Type{gjson.String}},
}

// IsValid reports whether raw is a structurally complete snapshot document:
// every required field is present with the right JSON type, gameState is an
// object and syncStatus is a known status.
func IsValid(raw []byte) bool {
	if !gjson.ValidBytes(raw) {
		return false
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return false
	}
	for _, f := range requiredFields {
		v := doc.Get(f.path)
		if !v.Exists() || !hasType(v, f.types) {
			return false
		}
	}
	if !doc.Get("gameState").IsObject() {
		return false
	}
	if doc.Get("gameId").String() == "" {
		return false
	}
	return SyncStatus(doc.Get("syncStatus").String()).Valid()
}

func hasType(v gjson.Result, types []gjson.Type) bool {
	for _, t := range types {
		if v.Type == t {
			return true
		}
	}
	return false
}

package component

import (
	"crypto/md5" //nolint:gosec // schema-drift fingerprint only, not a security boundary
	"encoding/hex"
	"encoding/json"
)

// propertyDigestEntry is the canonical JSON shape of one property, per
// spec.md §3's "canonical JSON digest" definition.
type propertyDigestEntry struct {
	Name    string      `json:"name"`
	Type    string      `json:"type"`
	Default interface{} `json:"default"`
	Unique  bool        `json:"unique"`
	Index   bool        `json:"index"`
}

type digestDocument struct {
	Namespace  string                `json:"namespace"`
	Name       string                `json:"name"`
	Properties []propertyDigestEntry `json:"properties"`
	Permission string                `json:"permission"`
	RLS        *RLSRule              `json:"rls,omitempty"`
}

// canonicalDigest serializes the sealed (alphabetically ordered) property
// list plus the permission block to a canonical JSON string, then MD5-hashes
// it. No ecosystem MD5 library exists in the retrieval pack and stdlib's is
// the only correct choice for a fingerprint, not a cryptographic guarantee.
func canonicalDigest(d *Definition) (string, string) {
	doc := digestDocument{
		Namespace:  d.Namespace,
		Name:       d.Name,
		Permission: string(d.Permission),
		RLS:        d.RLS,
	}
	doc.Properties = make([]propertyDigestEntry, len(d.Properties))
	for i, p := range d.Properties {
		doc.Properties[i] = propertyDigestEntry{
			Name:    p.Name,
			Type:    string(p.Type),
			Default: p.Default,
			Unique:  p.Unique,
			Index:   p.Index,
		}
	}

	// json.Marshal on a struct with fixed field order is already
	// deterministic; no map keys are involved so no extra sorting pass is
	// needed here.
	raw, err := json.Marshal(doc)
	if err != nil {
		// Definition fields are restricted to JSON-safe primitives by
		// Validate; a marshal failure here would be a programming error.
		panic("component: canonical digest marshal: " + err.Error())
	}

	sum := md5.Sum(raw) //nolint:gosec
	return string(raw), hex.EncodeToString(sum[:])
}

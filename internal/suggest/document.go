package suggest

import "sort"

// Document is the suggestion-index entry for one entity. A single
// document is shared by every dataset containing the entity; Datasets
// records the membership and only ever grows.
type Document struct {
	Entity      string              `json:"entity" msgpack:"e"`
	Label       map[string]string   `json:"label,omitempty" msgpack:"l"`
	Description map[string]string   `json:"description,omitempty" msgpack:"d"`
	AltLabel    map[string][]string `json:"alt_label,omitempty" msgpack:"a"`
	Suggest     []string            `json:"suggest,omitempty" msgpack:"s"`
	Datasets    []string            `json:"datasets,omitempty" msgpack:"ds"`
}

// DeriveSuggest returns the suggestion terms for the document: the
// union of every label value and every alternative label value across
// all languages. Descriptions are not suggestable. The result is
// deduplicated and sorted for stable indexing.
func (d Document) DeriveSuggest() []string {
	seen := make(map[string]struct{}, len(d.Label)+4)
	out := make([]string, 0, len(d.Label)+4)
	add := func(term string) {
		if term == "" {
			return
		}
		if _, ok := seen[term]; ok {
			return
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}
	for _, v := range d.Label {
		add(v)
	}
	for _, alts := range d.AltLabel {
		for _, v := range alts {
			add(v)
		}
	}
	sort.Strings(out)
	return out
}

// InDataset reports whether the document is tagged as a member of the
// given dataset.
func (d Document) InDataset(dataset string) bool {
	for _, ds := range d.Datasets {
		if ds == dataset {
			return true
		}
	}
	return false
}

// clone returns a deep copy, so engine internals never alias caller maps.
func (d Document) clone() Document {
	c := Document{Entity: d.Entity}
	if d.Label != nil {
		c.Label = make(map[string]string, len(d.Label))
		for k, v := range d.Label {
			c.Label[k] = v
		}
	}
	if d.Description != nil {
		c.Description = make(map[string]string, len(d.Description))
		for k, v := range d.Description {
			c.Description[k] = v
		}
	}
	if d.AltLabel != nil {
		c.AltLabel = make(map[string][]string, len(d.AltLabel))
		for k, v := range d.AltLabel {
			c.AltLabel[k] = append([]string(nil), v...)
		}
	}
	c.Suggest = append([]string(nil), d.Suggest...)
	c.Datasets = append([]string(nil), d.Datasets...)
	return c
}

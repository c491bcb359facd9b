// Package diagram is the client-side model of a workspace document. The server
// stores documents as opaque JSON; this package gives the client cache typed
// access to the sub-collections it edits.
package diagram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Field is a table column. Default is kept raw since peers store numbers,
// strings and expressions there.
type Field struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Default   json.RawMessage `json:"default,omitempty"`
	Check     string          `json:"check,omitempty"`
	Primary   bool            `json:"primary,omitempty"`
	Unique    bool            `json:"unique,omitempty"`
	NotNull   bool            `json:"notNull,omitempty"`
	Increment bool            `json:"increment,omitempty"`
	Comment   string          `json:"comment,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type Table struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Fields  []Field `json:"fields"`
	Comment string  `json:"comment,omitempty"`
	Color   string  `json:"color,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type Relationship struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	StartTableID     string `json:"startTableId"`
	StartFieldID     string `json:"startFieldId"`
	EndTableID       string `json:"endTableId"`
	EndFieldID       string `json:"endFieldId"`
	Cardinality      string `json:"cardinality,omitempty"`
	UpdateConstraint string `json:"updateConstraint,omitempty"`
	DeleteConstraint string `json:"deleteConstraint,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Dependency records that one table's definition depends on another.
type Dependency struct {
	ID           string `json:"id"`
	StartTableID string `json:"startTableId"`
	EndTableID   string `json:"endTableId"`

	Extra map[string]json.RawMessage `json:"-"`
}

type Area struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Color  string  `json:"color,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type TypeField struct {
	Name string `json:"name"`
	Type string `json:"type"`

	Extra map[string]json.RawMessage `json:"-"`
}

type CustomType struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Fields  []TypeField `json:"fields"`
	Comment string      `json:"comment,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (t Table) EntityID() string        { return t.ID }
func (r Relationship) EntityID() string { return r.ID }
func (d Dependency) EntityID() string   { return d.ID }
func (a Area) EntityID() string         { return a.ID }
func (c CustomType) EntityID() string   { return c.ID }

// Entity is any sub-collection element addressed by id.
type Entity interface {
	EntityID() string
}

// Document is the diagram aggregate. Keys the model does not know about, at
// the top level and inside every element, are kept in Extra and written back
// unchanged.
type Document struct {
	Database      string          `json:"database,omitempty"`
	Tables        []Table         `json:"tables"`
	Relationships []Relationship  `json:"relationships"`
	Dependencies  []Dependency    `json:"dependencies"`
	Areas         []Area          `json:"areas"`
	Types         []CustomType    `json:"types"`
	Filters       []string        `json:"filters"`
	Config        json.RawMessage `json:"config,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// The *Fields types drop the methods so encoding/json handles the known
// fields and the wrappers below handle Extra.
type (
	documentFields     Document
	fieldFields        Field
	tableFields        Table
	relationshipFields Relationship
	dependencyFields   Dependency
	areaFields         Area
	typeFieldFields    TypeField
	customTypeFields   CustomType
)

var (
	documentKeys     = jsonKeys[Document]()
	fieldKeys        = jsonKeys[Field]()
	tableKeys        = jsonKeys[Table]()
	relationshipKeys = jsonKeys[Relationship]()
	dependencyKeys   = jsonKeys[Dependency]()
	areaKeys         = jsonKeys[Area]()
	typeFieldKeys    = jsonKeys[TypeField]()
	customTypeKeys   = jsonKeys[CustomType]()
)

func (d *Document) UnmarshalJSON(data []byte) error {
	var fields documentFields
	extra, err := decodeObject(data, &fields, documentKeys)
	if err != nil {
		return err
	}
	fields.Extra = extra
	*d = Document(fields)
	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	return encodeObject(documentFields(d), d.Extra, documentKeys)
}

func (f *Field) UnmarshalJSON(data []byte) error {
	var fields fieldFields
	extra, err := decodeObject(data, &fields, fieldKeys)
	if err != nil {
		return err
	}
	fields.Extra = extra
	*f = Field(fields)
	return nil
}

func (f Field) MarshalJSON() ([]byte, error) {
	return encodeObject(fieldFields(f), f.Extra, fieldKeys)
}

func (t *Table) UnmarshalJSON(data []byte) error {
	var fields tableFields
	extra, err := decodeObject(data, &fields, tableKeys)
	if err != nil {
		return err
	}
	fields.Extra = extra
	*t = Table(fields)
	return nil
}

func (t Table) MarshalJSON() ([]byte, error) {
	if t.Fields == nil {
		t.Fields = []Field{}
	}
	return encodeObject(tableFields(t), t.Extra, tableKeys)
}

func (r *Relationship) UnmarshalJSON(data []byte) error {
	var fields relationshipFields
	extra, err := decodeObject(data, &fields, relationshipKeys)
	if err != nil {
		return err
	}
	fields.Extra = extra
	*r = Relationship(fields)
	return nil
}

func (r Relationship) MarshalJSON() ([]byte, error) {
	return encodeObject(relationshipFields(r), r.Extra, relationshipKeys)
}

func (d *Dependency) UnmarshalJSON(data []byte) error {
	var fields dependencyFields
	extra, err := decodeObject(data, &fields, dependencyKeys)
	if err != nil {
		return err
	}
	fields.Extra = extra
	*d = Dependency(fields)
	return nil
}

func (d Dependency) MarshalJSON() ([]byte, error) {
	return encodeObject(dependencyFields(d), d.Extra, dependencyKeys)
}

func (a *Area) UnmarshalJSON(data []byte) error {
	var fields areaFields
	extra, err := decodeObject(data, &fields, areaKeys)
	if err != nil {
		return err
	}
	fields.Extra = extra
	*a = Area(fields)
	return nil
}

func (a Area) MarshalJSON() ([]byte, error) {
	return encodeObject(areaFields(a), a.Extra, areaKeys)
}

func (f *TypeField) UnmarshalJSON(data []byte) error {
	var fields typeFieldFields
	extra, err := decodeObject(data, &fields, typeFieldKeys)
	if err != nil {
		return err
	}
	fields.Extra = extra
	*f = TypeField(fields)
	return nil
}

func (f TypeField) MarshalJSON() ([]byte, error) {
	return encodeObject(typeFieldFields(f), f.Extra, typeFieldKeys)
}

func (c *CustomType) UnmarshalJSON(data []byte) error {
	var fields customTypeFields
	extra, err := decodeObject(data, &fields, customTypeKeys)
	if err != nil {
		return err
	}
	fields.Extra = extra
	*c = CustomType(fields)
	return nil
}

func (c CustomType) MarshalJSON() ([]byte, error) {
	if c.Fields == nil {
		c.Fields = []TypeField{}
	}
	return encodeObject(customTypeFields(c), c.Extra, customTypeKeys)
}

// Parse decodes a stored document. An empty payload is an empty document.
func Parse(data []byte) (Document, error) {
	var doc Document
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("decode document: %w", err)
		}
	}
	doc.Normalize()
	return doc, nil
}

// Normalize replaces nil collections, including the field lists of tables and
// types, with empty ones so the document always encodes them as arrays.
func (d *Document) Normalize() {
	if d.Tables == nil {
		d.Tables = []Table{}
	}
	if d.Relationships == nil {
		d.Relationships = []Relationship{}
	}
	if d.Dependencies == nil {
		d.Dependencies = []Dependency{}
	}
	if d.Areas == nil {
		d.Areas = []Area{}
	}
	if d.Types == nil {
		d.Types = []CustomType{}
	}
	if d.Filters == nil {
		d.Filters = []string{}
	}
	for i := range d.Tables {
		if d.Tables[i].Fields == nil {
			d.Tables[i].Fields = []Field{}
		}
	}
	for i := range d.Types {
		if d.Types[i].Fields == nil {
			d.Types[i].Fields = []TypeField{}
		}
	}
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	out := d
	out.Tables = make([]Table, len(d.Tables))
	for i, t := range d.Tables {
		t.Fields = cloneEach(t.Fields, func(f Field) Field {
			f.Default = bytes.Clone(f.Default)
			f.Extra = cloneExtra(f.Extra)
			return f
		})
		t.Extra = cloneExtra(t.Extra)
		out.Tables[i] = t
	}
	out.Relationships = cloneEach(d.Relationships, func(r Relationship) Relationship {
		r.Extra = cloneExtra(r.Extra)
		return r
	})
	out.Dependencies = cloneEach(d.Dependencies, func(dep Dependency) Dependency {
		dep.Extra = cloneExtra(dep.Extra)
		return dep
	})
	out.Areas = cloneEach(d.Areas, func(a Area) Area {
		a.Extra = cloneExtra(a.Extra)
		return a
	})
	out.Types = make([]CustomType, len(d.Types))
	for i, c := range d.Types {
		c.Fields = cloneEach(c.Fields, func(f TypeField) TypeField {
			f.Extra = cloneExtra(f.Extra)
			return f
		})
		c.Extra = cloneExtra(c.Extra)
		out.Types[i] = c
	}
	out.Filters = slices.Clone(d.Filters)
	out.Config = bytes.Clone(d.Config)
	out.Extra = cloneExtra(d.Extra)
	out.Normalize()
	return out
}

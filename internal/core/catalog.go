package core

import (
	"strings"
	"time"
)

// FieldType represents the expected data type for a catalog field.
type FieldType string

const (
	FieldText FieldType = "text"
	FieldEnum FieldType = "enum"
	FieldDate FieldType = "date"
)

// Field is one first-class equipment field an import can map onto.
type Field struct {
	Name       string    `json:"name"`
	Label      string    `json:"label"`
	Type       FieldType `json:"type"`
	Required   bool      `json:"required"`
	NaturalKey bool      `json:"naturalKey,omitempty"`
	EnumValues []string  `json:"enumValues,omitempty"`
	// Aliases are alternative header spellings the heuristic advisor accepts.
	Aliases []string `json:"aliases,omitempty"`
}

// Catalog is the ordered set of target fields.
type Catalog []Field

// Lookup returns the field with the given name.
func (c Catalog) Lookup(name string) (Field, bool) {
	for _, f := range c {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Required returns the names of mandatory fields in catalog order.
func (c Catalog) Required() []string {
	var out []string
	for _, f := range c {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Names returns every field name in catalog order.
func (c Catalog) Names() []string {
	out := make([]string, len(c))
	for i, f := range c {
		out[i] = f.Name
	}
	return out
}

// Field names of the equipment catalog.
const (
	FieldName            = "name"
	FieldSerialNumber    = "serial_number"
	FieldManufacturer    = "manufacturer"
	FieldModel           = "model"
	FieldCategory        = "category"
	FieldLocation        = "location"
	FieldStatus          = "status"
	FieldPurchaseDate    = "purchase_date"
	FieldWarrantyExpires = "warranty_expires"
	FieldNotes           = "notes"
)

// EquipmentCatalog is the fixed set of first-class equipment fields.
// It is owned by the surrounding application and read-only here.
var EquipmentCatalog = Catalog{
	{Name: FieldName, Label: "Name", Type: FieldText, Required: true,
		Aliases: []string{"equipment", "equipment name", "asset", "asset name", "item", "description", "title"}},
	{Name: FieldSerialNumber, Label: "Serial number", Type: FieldText, NaturalKey: true,
		Aliases: []string{"serial", "serial no", "serial #", "s/n", "sn", "serial num"}},
	{Name: FieldManufacturer, Label: "Manufacturer", Type: FieldText,
		Aliases: []string{"make", "brand", "vendor", "mfr", "mfg"}},
	{Name: FieldModel, Label: "Model", Type: FieldText,
		Aliases: []string{"model no", "model number", "model #"}},
	{Name: FieldCategory, Label: "Category", Type: FieldText,
		Aliases: []string{"type", "equipment type", "class", "kind"}},
	{Name: FieldLocation, Label: "Location", Type: FieldText,
		Aliases: []string{"site", "room", "building", "lab"}},
	{Name: FieldStatus, Label: "Status", Type: FieldEnum,
		EnumValues: []string{"active", "inactive", "repair", "retired"},
		Aliases:    []string{"state", "condition"}},
	{Name: FieldPurchaseDate, Label: "Purchase date", Type: FieldDate,
		Aliases: []string{"purchased", "date purchased", "acquired", "acquisition date"}},
	{Name: FieldWarrantyExpires, Label: "Warranty expires", Type: FieldDate,
		Aliases: []string{"warranty", "warranty expiry", "warranty end", "warranty expiration"}},
	{Name: FieldNotes, Label: "Notes", Type: FieldText,
		Aliases: []string{"note", "comments", "comment", "remarks"}},
}

// Equipment is a candidate record built from one data row.
type Equipment struct {
	Name            string     `field:"name" validate:"required,max=255"`
	SerialNumber    string     `field:"serial_number" validate:"max=128"`
	Manufacturer    string     `field:"manufacturer" validate:"max=255"`
	Model           string     `field:"model" validate:"max=255"`
	Category        string     `field:"category" validate:"max=255"`
	Location        string     `field:"location" validate:"max=255"`
	Status          string     `field:"status" validate:"omitempty,oneof=active inactive repair retired"`
	PurchaseDate    *time.Time `field:"purchase_date"`
	WarrantyExpires *time.Time `field:"warranty_expires"`
	Notes           string     `field:"notes" validate:"max=4000"`

	// Attributes holds extensible attribute values keyed by attribute id.
	Attributes map[AttributeID]string `validate:"-"`
}

// setField assigns a cleaned cell value to a catalog field.
func (e *Equipment) setField(name, value string) error {
	switch name {
	case FieldName:
		e.Name = value
	case FieldSerialNumber:
		e.SerialNumber = value
	case FieldManufacturer:
		e.Manufacturer = value
	case FieldModel:
		e.Model = value
	case FieldCategory:
		e.Category = value
	case FieldLocation:
		e.Location = value
	case FieldStatus:
		e.Status = strings.ToLower(value)
	case FieldPurchaseDate:
		d, err := ParseDate(value)
		if err != nil {
			return err
		}
		e.PurchaseDate = d
	case FieldWarrantyExpires:
		d, err := ParseDate(value)
		if err != nil {
			return err
		}
		e.WarrantyExpires = d
	case FieldNotes:
		e.Notes = value
	}
	return nil
}

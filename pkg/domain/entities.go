// Package domain defines the document model, collection names, advisory record
// shapes and persistence contracts shared by every microlab storage backend.
package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Collection names a group of documents with a similar purpose.
type Collection string

// Collections used by the logbook application.
const (
	// CollectionTickets holds service-call records.
	CollectionTickets Collection = "tickets"
	// CollectionInventory holds client equipment records.
	CollectionInventory Collection = "inventory"
	// CollectionContacts holds client contact records.
	CollectionContacts Collection = "contacts"
	// CollectionSettings holds the singleton settings document.
	CollectionSettings Collection = "settings"
)

// SettingsDocumentID is the well-known identifier of the settings singleton.
const SettingsDocumentID = "config"

// DefaultCollections lists every collection a store creates on open.
var DefaultCollections = []Collection{
	CollectionTickets,
	CollectionInventory,
	CollectionContacts,
	CollectionSettings,
}

var collectionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Validate reports whether the collection name can be mapped to a physical
// sub-store. Names double as table identifiers, so the alphabet is restricted.
func (c Collection) Validate() error {
	if !collectionNamePattern.MatchString(string(c)) {
		return fmt.Errorf("%w: invalid collection name %q", ErrUnknownCollection, string(c))
	}
	return nil
}

// TicketStatus enumerates the workflow states a ticket moves through.
type TicketStatus string

// Ticket statuses as displayed by the ticket list.
const (
	TicketStatusPending  TicketStatus = "Pendiente"
	TicketStatusUrgent   TicketStatus = "Urgente"
	TicketStatusAssigned TicketStatus = "Asignado"
	TicketStatusDone     TicketStatus = "Terminado"
)

// TicketType distinguishes phone support from on-site visits.
type TicketType string

const (
	TicketTypePhone TicketType = "telefono"
	TicketTypeVisit TicketType = "visita"
)

// LogEntryType classifies a logbook line.
type LogEntryType string

const (
	LogEntryMove    LogEntryType = "move"
	LogEntryTask    LogEntryType = "task"
	LogEntryExpense LogEntryType = "expense"
	LogEntryNote    LogEntryType = "note"
)

// LogEntry is one travel, task, expense or note line owned by a ticket.
type LogEntry struct {
	ID            int64        `json:"id"`
	Type          LogEntryType `json:"type"`
	Date          string       `json:"date"`
	Time          string       `json:"time"`
	Description   string       `json:"description"`
	Action        string       `json:"action,omitempty"`
	Odometer      string       `json:"odo,omitempty"`
	Amount        string       `json:"amount,omitempty"`
	Concept       string       `json:"concept,omitempty"`
	Note          string       `json:"note,omitempty"`
	Parts         string       `json:"parts,omitempty"`
	Currency      string       `json:"currency,omitempty"`
	CurrencyOther string       `json:"currencyOther,omitempty"`
	PaymentMethod string       `json:"paymentMethod,omitempty"`
	PaymentSource string       `json:"paymentSource,omitempty"`
	ExpenseType   string       `json:"expenseType,omitempty"`
}

// PhoneLogEntry records one phone call made for a ticket.
type PhoneLogEntry struct {
	ID    int64  `json:"id"`
	Date  string `json:"date"`
	Start string `json:"start"`
	End   string `json:"end"`
	Note  string `json:"note"`
}

// Ticket is the advisory shape of a document in the tickets collection.
type Ticket struct {
	ID               string          `json:"id"`
	NoticeDate       string          `json:"fechaAviso"`
	NoticeTime       string          `json:"horaAviso"`
	Company          string          `json:"empresa"`
	ContactName      string          `json:"nombre"`
	Phone            string          `json:"telefono"`
	Equipment        string          `json:"equipo"`
	Problem          string          `json:"problema"`
	Status           TicketStatus    `json:"status"`
	ContactType      string          `json:"contactType"`
	Type             TicketType      `json:"type,omitempty"`
	OST              string          `json:"ost,omitempty"`
	Category         string          `json:"category,omitempty"`
	Serial           string          `json:"serial,omitempty"`
	PasswordInfo     string          `json:"passwordInfo,omitempty"`
	CreationDuration float64         `json:"creationDuration,omitempty"`
	PhoneLog         []PhoneLogEntry `json:"phoneLog,omitempty"`
	Logbook          []LogEntry      `json:"logbook,omitempty"`
}

// InventoryItem is the advisory shape of client equipment.
type InventoryItem struct {
	ID        string `json:"id"`
	Client    string `json:"client"`
	Equipment string `json:"equipment"`
	Serial    string `json:"serial"`
	Ref       string `json:"ref"`
	Password  string `json:"password,omitempty"`
}

// Contact is the advisory shape of a client contact.
type Contact struct {
	ID      string `json:"id"`
	Company string `json:"company"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Type    string `json:"type"`
}

// Settings is the advisory shape of the settings singleton. Prices are kept as
// the strings the settings form edits.
type Settings struct {
	ID string `json:"id"`

	FuelSuper95   string `json:"fuel_super95,omitempty"`
	FuelPremium97 string `json:"fuel_premium97,omitempty"`
	FuelGasoil50S string `json:"fuel_gasoil50s,omitempty"`
	FuelGasoil10S string `json:"fuel_gasoil10s,omitempty"`
	FuelUpdated   string `json:"fuel_updated,omitempty"`
	FuelSource    string `json:"fuel_source,omitempty"`

	EVACBase   string `json:"ev_ac_base,omitempty"`
	EVACEnergy string `json:"ev_ac_energy,omitempty"`
	EVACIdle   string `json:"ev_ac_idle,omitempty"`
	EVDCBase   string `json:"ev_dc_base,omitempty"`
	EVDCEnergy string `json:"ev_dc_energy,omitempty"`
	EVDCIdle   string `json:"ev_dc_idle,omitempty"`
	UTEUpdated string `json:"ute_updated,omitempty"`
	UTESource  string `json:"ute_source,omitempty"`

	TollTelepeaje string `json:"toll_telepeaje,omitempty"`
	TollBasic     string `json:"toll_basic,omitempty"`
	TollSucive    string `json:"toll_sucive,omitempty"`
	MTOPUpdated   string `json:"mtop_updated,omitempty"`
	MTOPSource    string `json:"mtop_source,omitempty"`

	KMCompanyFuel string `json:"km_company_fuel,omitempty"`
	KMCompanyEV   string `json:"km_company_ev,omitempty"`
	KMPersonal    string `json:"km_personal,omitempty"`
	KMOther       string `json:"km_other,omitempty"`

	// Legacy single-value prices.
	TollPrice string `json:"tollPrice,omitempty"`
	KMPrice   string `json:"kmPrice,omitempty"`
}

// DecodeDocument converts a stored document into a typed value. Fields unknown
// to T are ignored.
func DecodeDocument[T any](doc Document) (T, error) {
	var out T
	raw, err := json.Marshal(doc)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

// EncodeDocument converts a typed value into a document suitable for the
// collection API.
func EncodeDocument[T any](value T) (Document, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: value is not an object", ErrInvalidDocument)
	}
	return doc, nil
}

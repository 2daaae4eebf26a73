// Package storage holds the durable side of trafficmon: the visit log the
// batch flusher writes into and the IP policy table the admission gate
// loads from.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/geo"
)

// ErrNotFound is returned when a policy entry does not exist.
var ErrNotFound = errors.New("storage: not found")

// Visit kinds.
const (
	KindSocket = "socket"
	KindHTTP   = "http"
)

// Visit is one durable visit log entry. It is immutable once created; ID
// is assigned by the store on write.
type Visit struct {
	ID         int64        `json:"id,omitempty"`
	RemoteAddr string       `json:"ip"`
	UserAgent  string       `json:"userAgent"`
	Timestamp  time.Time    `json:"timestamp"`
	Location   geo.Location `json:"location"`
	ConnID     string       `json:"socketId,omitempty"`
	Kind       string       `json:"kind"`
	Path       string       `json:"path,omitempty"`
}

// PolicyStatus is the administrative status of an address.
type PolicyStatus string

const (
	StatusWhitelisted PolicyStatus = "whitelisted"
	StatusBlacklisted PolicyStatus = "blacklisted"
)

// ParsePolicyStatus validates s.
func ParsePolicyStatus(s string) (PolicyStatus, error) {
	switch PolicyStatus(s) {
	case StatusWhitelisted, StatusBlacklisted:
		return PolicyStatus(s), nil
	default:
		return "", fmt.Errorf("unknown policy status %q, must be whitelisted or blacklisted", s)
	}
}

// PolicyEntry is one row of the IP policy table.
type PolicyEntry struct {
	Address   string       `json:"address"`
	Status    PolicyStatus `json:"status"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// VisitStore is the durable visit log.
type VisitStore interface {
	// WriteBatch persists visits as one unit: either all are stored or
	// none are.
	WriteBatch(ctx context.Context, visits []Visit) error
	// RecentVisits returns up to limit visits, most recent first.
	RecentVisits(ctx context.Context, limit int) ([]Visit, error)
	// PurgeVisits deletes visits older than before and returns how many
	// were removed.
	PurgeVisits(ctx context.Context, before time.Time) (int64, error)
}

// PolicyStore is the durable IP policy table.
type PolicyStore interface {
	SetPolicy(ctx context.Context, entry PolicyEntry) error
	// DeletePolicy returns ErrNotFound if address has no entry.
	DeletePolicy(ctx context.Context, address string) error
	// Policies lists entries with the given status, or all entries when
	// status is empty, ordered by address.
	Policies(ctx context.Context, status PolicyStatus) ([]PolicyEntry, error)
}

// Store is a complete durable backend.
type Store interface {
	VisitStore
	PolicyStore
	Ping(ctx context.Context) error
	Close() error
}

// Drivers accepted in Credentials.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Credentials select and address the durable store. They are supplied as
// JSON out of band (environment or file), never in the config file.
type Credentials struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// ParseCredentials decodes and validates a JSON credentials document.
func ParseCredentials(raw []byte) (Credentials, error) {
	if len(raw) == 0 {
		return Credentials{}, errors.New("store credentials are empty")
	}
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credentials{}, fmt.Errorf("parsing store credentials: %w", err)
	}
	switch c.Driver {
	case DriverSQLite, "sqlite3":
		c.Driver = DriverSQLite
		if c.DSN == "" {
			return Credentials{}, errors.New("store credentials: dsn is required for sqlite")
		}
	case DriverMemory:
	default:
		return Credentials{}, fmt.Errorf("store credentials: unknown driver %q", c.Driver)
	}
	return c, nil
}

// Open connects to the store described by c.
func Open(ctx context.Context, c Credentials) (Store, error) {
	switch c.Driver {
	case DriverSQLite:
		return OpenSQLite(ctx, c.DSN)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}

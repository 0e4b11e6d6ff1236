package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ControlTotals is the row-count/amount checksum carried in bank files.
type ControlTotals struct {
	RecordCount    int   `json:"record_count"`
	AmountTotalARS int64 `json:"amount_total_ars"`
}

// OutboundRow is one attempt rendered for the bank file.
type OutboundRow struct {
	LineNo            int
	ExternalReference string
	AgencyID          snowflake.ID
	AmountARS         int64
	MandateRef        string
	ScheduledFor      time.Time
}

type OutboundFile struct {
	Content        []byte
	FileName       string
	AdapterVersion string
	Totals         ControlTotals
	Meta           map[string]any
}

// MappedStatus is the adapter's classification of a response row. UNKNOWN
// rows count as errors, not rejections.
type MappedStatus string

const (
	MappedPaid     MappedStatus = "PAID"
	MappedRejected MappedStatus = "REJECTED"
	MappedFailed   MappedStatus = "FAILED"
	MappedUnknown  MappedStatus = "UNKNOWN"
)

// InboundRow is one parsed response row. ExternalReference is the primary
// match key; RawHash is the fallback when the bank mangles the reference.
type InboundRow struct {
	LineNo            int
	ExternalReference string
	RawHash           string
	AmountARS         int64
	Mapped            MappedStatus
	ResultCode        string
	ResultMessage     string
	PaidAt            *time.Time
	Payload           map[string]any
}

type ParsedFile struct {
	Rows     []InboundRow
	Totals   ControlTotals
	Warnings []string
}

// BankAdapter converts internal rows to a bank file and back. One
// implementation per bank format, registered by name; the engine never
// branches on format.
type BankAdapter interface {
	Name() string
	Version() string

	// Sniff reports whether the bytes look like this adapter's format.
	// It is a cheap header/signature check, not a full parse.
	Sniff(data []byte) bool

	BuildOutboundFile(ctx context.Context, batchID snowflake.ID, businessDate time.Time, rows []OutboundRow) (*OutboundFile, error)
	ParseInboundFile(ctx context.Context, data []byte) (*ParsedFile, error)

	ValidateOutboundTotals(totals ControlTotals, rows []OutboundRow) error
	ValidateInboundTotals(parsed *ParsedFile) error
}

var ErrAdapterNotFound = errors.New("bank_adapter_not_found")

type Registry struct {
	byName map[string]BankAdapter
}

func NewRegistry(adapters ...BankAdapter) *Registry {
	r := &Registry{byName: make(map[string]BankAdapter, len(adapters))}
	for _, a := range adapters {
		r.byName[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(name string) (BankAdapter, error) {
	a, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, name)
	}
	return a, nil
}

func (r *Registry) Exists(name string) bool {
	_, ok := r.byName[name]
	return ok
}

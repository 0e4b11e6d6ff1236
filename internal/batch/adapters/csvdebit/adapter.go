// Package csvdebit implements the reference delimited presentment format.
// It exists so the engine and its tests have a complete adapter; real bank
// layouts plug in as further adapters without touching the core.
package csvdebit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cobranzalabs/cobranza/internal/batch/adapters"
)

const (
	adapterName    = "csvdebit"
	adapterVersion = "1"
	headerPrefix   = "CSVDEBIT;1;"
	fieldSep       = ";"
)

// Bank result codes and their mapped outcomes. Codes outside the table
// classify as UNKNOWN and reconcile as error rows.
var codeMap = map[string]adapters.MappedStatus{
	"00": adapters.MappedPaid,
	"R01": adapters.MappedRejected, // insufficient funds
	"R02": adapters.MappedRejected, // account closed
	"R03": adapters.MappedRejected, // mandate revoked
	"R10": adapters.MappedRejected, // customer dispute
	"E01": adapters.MappedFailed,   // processing error
	"E02": adapters.MappedFailed,   // format error
}

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (*Adapter) Name() string    { return adapterName }
func (*Adapter) Version() string { return adapterVersion }

func (*Adapter) Sniff(data []byte) bool {
	return bytes.HasPrefix(data, []byte(headerPrefix))
}

func (a *Adapter) BuildOutboundFile(_ context.Context, batchID snowflake.ID, businessDate time.Time, rows []adapters.OutboundRow) (*adapters.OutboundFile, error) {
	var buf bytes.Buffer

	date := businessDate.Format("20060102")
	fmt.Fprintf(&buf, "%sOUT;%s\n", headerPrefix, date)

	var total int64
	for i, row := range rows {
		lineNo := i + 1
		fmt.Fprintf(&buf, "D;%d;%s;%s;%d;%s;%s\n",
			lineNo,
			row.ExternalReference,
			row.AgencyID.String(),
			row.AmountARS,
			row.MandateRef,
			row.ScheduledFor.Format("20060102"),
		)
		total += row.AmountARS
	}
	fmt.Fprintf(&buf, "T;%d;%d\n", len(rows), total)

	return &adapters.OutboundFile{
		Content:        buf.Bytes(),
		FileName:       fmt.Sprintf("pd-%s-%s.csv", date, batchID.String()),
		AdapterVersion: adapterVersion,
		Totals: adapters.ControlTotals{
			RecordCount:    len(rows),
			AmountTotalARS: total,
		},
		Meta: map[string]any{
			"csvdebit.header_date": date,
		},
	}, nil
}

func (a *Adapter) ParseInboundFile(_ context.Context, data []byte) (*adapters.ParsedFile, error) {
	if !a.Sniff(data) {
		return nil, errors.New("csvdebit: missing header signature")
	}

	parsed := &adapters.ParsedFile{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var sawTrailer bool
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, headerPrefix):
			continue
		case strings.HasPrefix(line, "T"+fieldSep):
			totals, err := parseTrailer(line)
			if err != nil {
				return nil, err
			}
			parsed.Totals = totals
			sawTrailer = true
		case strings.HasPrefix(line, "D"+fieldSep):
			row, err := parseRow(line)
			if err != nil {
				return nil, err
			}
			parsed.Rows = append(parsed.Rows, row)
		default:
			parsed.Warnings = append(parsed.Warnings, fmt.Sprintf("line skipped: %q", truncate(line, 40)))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !sawTrailer {
		return nil, errors.New("csvdebit: trailer record missing")
	}

	return parsed, nil
}

func (*Adapter) ValidateOutboundTotals(totals adapters.ControlTotals, rows []adapters.OutboundRow) error {
	var sum int64
	for _, row := range rows {
		sum += row.AmountARS
	}
	if totals.RecordCount != len(rows) {
		return fmt.Errorf("csvdebit: record count %d does not match %d source rows", totals.RecordCount, len(rows))
	}
	if totals.AmountTotalARS != sum {
		return fmt.Errorf("csvdebit: amount total %d does not match source sum %d", totals.AmountTotalARS, sum)
	}
	return nil
}

func (*Adapter) ValidateInboundTotals(parsed *adapters.ParsedFile) error {
	var sum int64
	for _, row := range parsed.Rows {
		sum += row.AmountARS
	}
	if parsed.Totals.RecordCount != len(parsed.Rows) {
		return fmt.Errorf("csvdebit: trailer count %d does not match %d parsed rows", parsed.Totals.RecordCount, len(parsed.Rows))
	}
	if parsed.Totals.AmountTotalARS != sum {
		return fmt.Errorf("csvdebit: trailer amount %d does not match parsed sum %d", parsed.Totals.AmountTotalARS, sum)
	}
	return nil
}

// Row layout: D;<line>;<ref>;<amount>;<code>;<message>;<paidAt|->
func parseRow(line string) (adapters.InboundRow, error) {
	fields := strings.Split(line, fieldSep)
	if len(fields) < 7 {
		return adapters.InboundRow{}, fmt.Errorf("csvdebit: row has %d fields, want 7", len(fields))
	}

	lineNo, err := strconv.Atoi(fields[1])
	if err != nil {
		return adapters.InboundRow{}, fmt.Errorf("csvdebit: bad line number %q", fields[1])
	}
	amount, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return adapters.InboundRow{}, fmt.Errorf("csvdebit: bad amount %q", fields[3])
	}

	code := strings.TrimSpace(fields[4])
	mapped, ok := codeMap[code]
	if !ok {
		mapped = adapters.MappedUnknown
	}

	// Hash of the reference, not the raw line: the outbound side keys its
	// items the same way, so hash matching can land when the bank echoes
	// the reference back inside an otherwise reshaped row.
	ref := strings.TrimSpace(fields[2])
	row := adapters.InboundRow{
		LineNo:            lineNo,
		ExternalReference: ref,
		RawHash:           hashReference(ref),
		AmountARS:         amount,
		Mapped:            mapped,
		ResultCode:        code,
		ResultMessage:     strings.TrimSpace(fields[5]),
		Payload: map[string]any{
			"csvdebit.raw_line": line,
		},
	}

	if paidField := strings.TrimSpace(fields[6]); paidField != "" && paidField != "-" {
		paidAt, err := time.Parse(time.RFC3339, paidField)
		if err != nil {
			return adapters.InboundRow{}, fmt.Errorf("csvdebit: bad paid_at %q", paidField)
		}
		row.PaidAt = &paidAt
	}

	return row, nil
}

func parseTrailer(line string) (adapters.ControlTotals, error) {
	fields := strings.Split(line, fieldSep)
	if len(fields) != 3 {
		return adapters.ControlTotals{}, errors.New("csvdebit: malformed trailer")
	}
	count, err := strconv.Atoi(fields[1])
	if err != nil {
		return adapters.ControlTotals{}, fmt.Errorf("csvdebit: bad trailer count %q", fields[1])
	}
	amount, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return adapters.ControlTotals{}, fmt.Errorf("csvdebit: bad trailer amount %q", fields[2])
	}
	return adapters.ControlTotals{RecordCount: count, AmountTotalARS: amount}, nil
}

func hashReference(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

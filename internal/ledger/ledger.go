package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrObjectNotFound indicates the queried object id does not resolve on the ledger.
	ErrObjectNotFound = errors.New("ledger: object not found")
)

// SubmitError indicates the transaction never reached the ledger
// (transport or signing failure).
type SubmitError struct {
	Err error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("ledger: submit failed: %v", e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// RejectedError indicates the ledger declined or aborted the transaction.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "ledger: transaction rejected: " + e.Reason
}

// TxID identifies a submitted transaction.
type TxID string

// Arg is a single typed argument of a move call.
type Arg struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// ObjectArg references a shared or owned ledger object by id.
func ObjectArg(id string) Arg {
	return Arg{Type: "object", Value: mustJSON(id)}
}

// BytesArg passes UTF-8 text as a byte vector.
func BytesArg(text string) Arg {
	return Arg{Type: "bytes", Value: mustJSON(text)}
}

// U16Arg passes an unsigned 16-bit integer.
func U16Arg(v uint16) Arg {
	return Arg{Type: "u16", Value: mustJSON(v)}
}

// U64Arg passes an unsigned 64-bit integer, string encoded on the wire.
func U64Arg(v uint64) Arg {
	return Arg{Type: "u64", Value: mustJSON(fmt.Sprintf("%d", v))}
}

// AddressArg passes an account address.
func AddressArg(address string) Arg {
	return Arg{Type: "address", Value: mustJSON(address)}
}

// PaymentArg attaches a coin of exactly the given amount, split from the
// sender's gas coin by the node.
func PaymentArg(amount uint64) Arg {
	return Arg{Type: "payment", Value: mustJSON(fmt.Sprintf("%d", amount))}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

// Call describes a single move call transaction.
type Call struct {
	Package  string `json:"package"`
	Module   string `json:"module"`
	Function string `json:"function"`
	Sender   string `json:"sender"`
	Args     []Arg  `json:"args"`
}

// Target renders the fully qualified call target.
func (c Call) Target() string {
	return c.Package + "::" + c.Module + "::" + c.Function
}

// Object is a decoded ledger object snapshot.
type Object struct {
	ID     string                     `json:"id"`
	Fields map[string]json.RawMessage `json:"fields"`
}

// Event is a single ledger event with its parsed payload.
type Event struct {
	Type        string                     `json:"type"`
	TimestampMs int64                      `json:"timestampMs"`
	Parsed      map[string]json.RawMessage `json:"parsedJson"`
}

// Client is the narrow ledger capability the pipeline consumes.
type Client interface {
	Submit(ctx context.Context, call Call) (TxID, error)
	WaitFinality(ctx context.Context, tx TxID) error
	GetObject(ctx context.Context, id string) (Object, error)
	QueryEvents(ctx context.Context, eventType string) ([]Event, error)
}

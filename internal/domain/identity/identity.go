// Package identity defines the identifiers shared across node subsystems and
// the generator that mints unique values for them.
package identity

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/flotilla-trading/flotilla/internal/contract"
)

// IDTag distinguishes identifier sequences produced by different trading
// entities, so two traders on one platform never mint colliding order ids.
type IDTag string

// TraderID identifies one trading entity instance. Value and Tag are carried
// exactly as configured; no normalisation is applied.
type TraderID struct {
	Value string
	Tag   IDTag
}

// NewTraderID validates and composes a trader identity from its configured
// identifier and tag.
func NewTraderID(value string, tag IDTag) (TraderID, error) {
	if err := contract.ValidString(value, "trader_id"); err != nil {
		return TraderID{}, err
	}
	if err := contract.ValidString(string(tag), "id_tag_trader"); err != nil {
		return TraderID{}, err
	}
	return TraderID{Value: value, Tag: tag}, nil
}

func (t TraderID) String() string { return t.Value }

// IsZero reports whether the identity carries no value.
func (t TraderID) IsZero() bool { return t.Value == "" && t.Tag == "" }

// NodeID uniquely identifies one node process instance. It is generated once
// at construction and never changes for the node's lifetime.
type NodeID struct {
	Value string
}

// NewNodeID mints a process-unique node identifier from the shared generator.
func NewNodeID(gen Generator) NodeID {
	return NodeID{Value: "node-" + gen.NewID()}
}

func (n NodeID) String() string { return n.Value }

// IsZero reports whether the node id carries no value.
func (n NodeID) IsZero() bool { return n.Value == "" }

// AccountID identifies the account a node trades against.
type AccountID struct {
	Issuer string
	Number string
}

// NewAccountID composes an account identifier from its issuer and number.
func NewAccountID(issuer, number string) (AccountID, error) {
	if err := contract.ValidString(issuer, "issuer"); err != nil {
		return AccountID{}, err
	}
	if err := contract.ValidString(number, "number"); err != nil {
		return AccountID{}, err
	}
	return AccountID{Issuer: strings.ToUpper(issuer), Number: number}, nil
}

func (a AccountID) String() string { return a.Issuer + "-" + a.Number }

// Generator mints unique identifier values.
type Generator interface {
	NewID() string
}

// UUIDGenerator mints random UUID v4 values.
type UUIDGenerator struct{}

// NewUUIDGenerator returns the production identifier generator.
func NewUUIDGenerator() *UUIDGenerator { return &UUIDGenerator{} }

func (g *UUIDGenerator) NewID() string { return uuid.NewString() }

// Deterministic mints a predictable prefix-N sequence for tests.
type Deterministic struct {
	prefix string
	next   atomic.Uint64
}

// NewDeterministic returns a generator yielding prefix-1, prefix-2, and so on.
func NewDeterministic(prefix string) *Deterministic {
	return &Deterministic{prefix: prefix}
}

func (g *Deterministic) NewID() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.next.Add(1))
}

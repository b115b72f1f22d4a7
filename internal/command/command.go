package command

import (
	"fmt"
	"time"

	"venue-gateway/pkg/exchanges/bybit"
	"venue-gateway/pkg/exchanges/common"
)

// Kind selects the mutating operation.
type Kind int

const (
	KindPlace Kind = iota
	KindAmend
	KindCancel
	KindCancelAll
)

func (k Kind) String() string {
	switch k {
	case KindPlace:
		return "place"
	case KindAmend:
		return "amend"
	case KindCancel:
		return "cancel"
	case KindCancelAll:
		return "cancel_all"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Op is the venue operation name.
func (k Kind) Op() string {
	switch k {
	case KindPlace:
		return bybit.OpCreate
	case KindAmend:
		return bybit.OpAmend
	case KindCancel:
		return bybit.OpCancel
	default:
		return bybit.OpCancelAll
	}
}

// Command is one mutating request. Only the params matching Kind are read.
type Command struct {
	Kind   Kind
	Place  common.PlaceParams
	Amend  common.AmendParams
	Cancel common.CancelParams

	// Category and Symbol scope a cancel-all.
	Category string
	Symbol   string
}

func Place(p common.PlaceParams) Command   { return Command{Kind: KindPlace, Place: p} }
func Amend(p common.AmendParams) Command   { return Command{Kind: KindAmend, Amend: p} }
func Cancel(p common.CancelParams) Command { return Command{Kind: KindCancel, Cancel: p} }

func CancelAll(category, symbol string) Command {
	return Command{Kind: KindCancelAll, Category: category, Symbol: symbol}
}

// args renders the venue arguments.
func (c Command) args() map[string]string {
	switch c.Kind {
	case KindPlace:
		return bybit.PlaceArgs(c.Place)
	case KindAmend:
		return bybit.AmendArgs(c.Amend)
	case KindCancel:
		return bybit.CancelArgs(c.Cancel)
	default:
		return bybit.CancelAllArgs(c.Category, c.Symbol)
	}
}

// Transport names the path that produced a result.
type Transport string

const (
	TransportStream Transport = "stream"
	TransportREST   Transport = "rest"
)

// Result is the single logical outcome of Execute.
type Result struct {
	Kind      Kind
	Transport Transport
	Ack       common.OrderAck
	// Cancelled lists the orders closed by a cancel-all.
	Cancelled []common.OrderAck
	// AlreadyClosed is set when the venue reported the target order absent.
	AlreadyClosed bool
	// Order is set when a duplicate placement was resolved by lookup.
	Order   *common.Order
	Latency time.Duration
}

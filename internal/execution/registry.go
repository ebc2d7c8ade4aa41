package execution

import (
	"sort"

	"crypto_paper/internal/domain"

	"github.com/shopspring/decimal"
)

// RestingOrder is a non-marketable limit order waiting for the book to cross it.
type RestingOrder struct {
	Order     *domain.Order
	Price     decimal.Decimal
	Remaining decimal.Decimal
}

// Crossed reports whether snap has traded through the resting price.
func (r *RestingOrder) Crossed(snap domain.MarketSnapshot) bool {
	return IsMarketable(r.Order.Side, r.Price, snap)
}

// StopOrder waits for mid to reach its trigger price.
type StopOrder struct {
	Order      *domain.Order
	Trigger    decimal.Decimal
	ReduceOnly bool
}

// Triggered applies the trigger rule: sell stops fire at mid <= trigger, buy stops at mid >= trigger.
func (s *StopOrder) Triggered(mid decimal.Decimal) bool {
	if !mid.IsPositive() {
		return false
	}
	if s.Order.Side == domain.SideSell {
		return mid.LessThanOrEqual(s.Trigger)
	}
	return mid.GreaterThanOrEqual(s.Trigger)
}

// orderBook holds the pending registries. Callers hold the broker lock.
type orderBook struct {
	resting map[string][]*RestingOrder // by symbol
	stops   map[string]*StopOrder      // by client id
}

func newOrderBook() *orderBook {
	return &orderBook{
		resting: make(map[string][]*RestingOrder),
		stops:   make(map[string]*StopOrder),
	}
}

func (b *orderBook) addResting(r *RestingOrder) {
	b.resting[r.Order.Symbol] = append(b.resting[r.Order.Symbol], r)
}

func (b *orderBook) addStop(s *StopOrder) {
	b.stops[s.Order.ClientID] = s
}

// takeCrossed removes and returns every resting order of symbol crossed by snap.
func (b *orderBook) takeCrossed(snap domain.MarketSnapshot) []*RestingOrder {
	list := b.resting[snap.Symbol]
	if len(list) == 0 {
		return nil
	}

	var crossed []*RestingOrder
	kept := list[:0]
	for _, r := range list {
		if r.Crossed(snap) {
			crossed = append(crossed, r)
		} else {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(list); i++ {
		list[i] = nil
	}

	if len(kept) == 0 {
		delete(b.resting, snap.Symbol)
	} else {
		b.resting[snap.Symbol] = kept
	}
	return crossed
}

// takeTriggered removes and returns the stops of symbol that fire at mid.
func (b *orderBook) takeTriggered(symbol string, mid decimal.Decimal) []*StopOrder {
	var fired []*StopOrder
	for id, s := range b.stops {
		if s.Order.Symbol != symbol {
			continue
		}
		if s.Triggered(mid) {
			fired = append(fired, s)
			delete(b.stops, id)
		}
	}
	// map order is random; keep dispatch order stable for seeded runs
	sort.Slice(fired, func(i, j int) bool {
		a, c := fired[i].Order, fired[j].Order
		if !a.CreatedAt.Equal(c.CreatedAt) {
			return a.CreatedAt.Before(c.CreatedAt)
		}
		return a.ClientID < c.ClientID
	})
	return fired
}

// remove drops a pending order by client id and returns it.
func (b *orderBook) remove(clientID string) (*domain.Order, bool) {
	if s, ok := b.stops[clientID]; ok {
		delete(b.stops, clientID)
		return s.Order, true
	}
	for symbol, list := range b.resting {
		for i, r := range list {
			if r.Order.ClientID != clientID {
				continue
			}
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(b.resting, symbol)
			} else {
				b.resting[symbol] = list
			}
			return r.Order, true
		}
	}
	return nil, false
}

// pendingQty sums the remaining quantity resting for symbol.
func (b *orderBook) pendingQty(symbol string) decimal.Decimal {
	total := decimal.Zero
	for _, r := range b.resting[symbol] {
		total = total.Add(r.Remaining)
	}
	return total
}

package automation

import (
	"context"

	"github.com/salesflow/backend/internal/domain/sales"
)

// route applies one classified customer message according to the state of the
// active order record. Cancel is honoured in every non-terminal state.
func (e *Engine) route(ctx context.Context, t *turn, c sales.Classification, text string) {
	if c.Kind == sales.IntentCancel {
		e.cancelOrder(ctx, t, c, text)
		return
	}

	order := t.live()
	if order == nil {
		e.routeBrowsing(ctx, t, c, text)
		return
	}

	switch order.State {
	case sales.StateItemSelected:
		e.routeItemSelected(ctx, t, c, text)
	case sales.StateAddressPending:
		e.routeAddressPending(ctx, t, c, text)
	case sales.StateQuoteReady:
		e.routeQuoteReady(ctx, t, c, text)
	case sales.StateAwaitingPayment:
		e.routeAwaitingPayment(t, c)
	default:
		t.reply = replyAwaitingPayment
	}
}

func (e *Engine) routeBrowsing(ctx context.Context, t *turn, c sales.Classification, text string) {
	switch c.Kind {
	case sales.IntentBrowse:
		e.searchCatalog(ctx, t, c, text)
	case sales.IntentSelectItem:
		items, ok := resolveItems(t.session, c)
		if !ok {
			if len(t.session.Suggestions) == 0 {
				e.searchCatalog(ctx, t, c, text)
				return
			}
			t.reply = replyUnknownSelection
			return
		}
		e.createOrder(t, items)
	case sales.IntentConfirm, sales.IntentProvideAddress:
		if len(t.session.Suggestions) > 0 {
			t.reply = replyPickFirst
			return
		}
		t.reply = replyNoActiveOrderHint
	default:
		if len(t.session.Messages) <= 1 {
			t.reply = replyGreeting
			return
		}
		t.reply = replyClarify
	}
}

func (e *Engine) routeItemSelected(ctx context.Context, t *turn, c sales.Classification, text string) {
	order := t.order
	switch c.Kind {
	case sales.IntentConfirm:
		if err := order.RequestAddress(); err != nil {
			e.invalidTransition(t, err)
			return
		}
		t.changed(true)
		if hasAddressSlots(c) {
			e.handleAddress(ctx, t, c)
			return
		}
		t.reply = replyAskAddress
	case sales.IntentProvideAddress:
		if err := order.RequestAddress(); err != nil {
			e.invalidTransition(t, err)
			return
		}
		t.changed(true)
		e.handleAddress(ctx, t, c)
	case sales.IntentSelectItem:
		e.changeItems(ctx, t, c)
	case sales.IntentBrowse:
		e.searchCatalog(ctx, t, c, text)
	default:
		t.reply = replyItemSelected(order)
	}
}

func (e *Engine) routeAddressPending(ctx context.Context, t *turn, c sales.Classification, text string) {
	order := t.order
	switch c.Kind {
	case sales.IntentProvideAddress:
		e.handleAddress(ctx, t, c)
	case sales.IntentConfirm:
		switch {
		case hasAddressSlots(c):
			e.handleAddress(ctx, t, c)
		case order.Destination != nil:
			// A previous quote attempt failed transiently; try the stored destination again.
			e.quote(ctx, t)
		default:
			t.reply = replyNeedAddress
		}
	case sales.IntentSelectItem:
		e.changeItems(ctx, t, c)
	case sales.IntentBrowse:
		e.searchCatalog(ctx, t, c, text)
	default:
		t.reply = replyNeedAddress
	}
}

func (e *Engine) routeQuoteReady(ctx context.Context, t *turn, c sales.Classification, text string) {
	order := t.order
	switch c.Kind {
	case sales.IntentConfirm:
		e.requestPayment(ctx, t)
	case sales.IntentSelectItem:
		e.changeItems(ctx, t, c)
	case sales.IntentProvideAddress:
		if err := order.ReviseDestination(); err != nil {
			e.invalidTransition(t, err)
			return
		}
		t.changed(true)
		e.handleAddress(ctx, t, c)
	case sales.IntentBrowse:
		e.searchCatalog(ctx, t, c, text)
	default:
		t.reply = replyQuote(order)
	}
}

func (e *Engine) routeAwaitingPayment(t *turn, c sales.Classification) {
	switch c.Kind {
	case sales.IntentSelectItem, sales.IntentProvideAddress:
		t.reply = replyAwaitingPayment + " Write \"cancel\" if you want to change the order. " + replyPaymentLink(t.order)
	default:
		t.reply = replyPaymentLink(t.order)
	}
}

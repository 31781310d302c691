package automation

import (
	"fmt"
	"strings"

	"github.com/salesflow/backend/internal/domain/sales"
)

// Customer-facing replies. Kept together so wording changes stay in one place.

const (
	replyGreeting          = "Hello! Tell me what you are looking for and your budget, and I will pick a few options."
	replyNoResults         = "I could not find anything matching that. Could you describe it differently or raise the budget?"
	replyPickFirst         = "Please pick an item first: reply with its number from the list."
	replyUnknownSelection  = "I could not match that to an item. Reply with a number from the list."
	replyAskAddress        = "Great! Please send the delivery address with a six-digit postal code."
	replyInvalidAddress    = "I could not read that address. Please send a six-digit postal code and the street address."
	replyNeedAddress       = "I still need the delivery address to calculate shipping."
	replyTryAgain          = "Something went wrong on our side. Please try again in a moment."
	replyNothingToCancel   = "There is no order in progress to cancel."
	replyAlreadyPaid       = "This order is already paid, so it cannot be cancelled here. An operator will contact you about a return."
	replyEscalated         = "I am passing the conversation to a manager. They will reply here shortly."
	replyAwaitingPayment   = "Your order is waiting for payment."
	replyPaymentFailed     = "The payment did not go through. Reply \"yes\" to get a new payment link."
	replyPaymentTimeout    = "The payment link expired and the order was cancelled. Write to me if you want to order again."
	replyOrderDone         = "Your order is complete. Write to me if you want something else."
	replyClarify           = "Sorry, I did not get that. Are you looking for something, or do you want to continue your order?"
	replyShippingRejected  = "Delivery to that address is not available. Please confirm the item again and send another address."
	replyPaymentDeclined   = "The payment provider declined the request. Reply \"yes\" to try again or \"cancel\" to stop."
	replyNoActiveOrderHint = "You do not have an order in progress. Tell me what you are looking for."
)

func replySuggestions(items []sales.CatalogItem, currency string) string {
	var b strings.Builder
	b.WriteString("Here is what I found:\n")
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s: %s %s\n", i+1, item.Name, item.Price.StringFixed(2), currency)
	}
	b.WriteString("Reply with the number of the item you like.")
	return b.String()
}

func replyItemSelected(o *sales.OrderRecord) string {
	names := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		names = append(names, fmt.Sprintf("%s x%d", item.Name, item.Quantity))
	}
	return fmt.Sprintf("You picked %s for %s %s. Shall I place the order? Reply \"yes\" to continue.",
		strings.Join(names, ", "), o.Subtotal.StringFixed(2), o.Currency)
}

func replyQuote(o *sales.OrderRecord) string {
	shipping := fmt.Sprintf("delivery %s %s", o.ShippingCost.StringFixed(2), o.Currency)
	if o.Quote != nil && o.Quote.FreeShipping {
		shipping = "free delivery"
	}
	return fmt.Sprintf("Items %s %s, %s. Total %s %s to %s. Reply \"yes\" to get the payment link.",
		o.Subtotal.StringFixed(2), o.Currency, shipping, o.Total.StringFixed(2), o.Currency, o.Destination)
}

func replyPaymentLink(o *sales.OrderRecord) string {
	attempt := o.OutstandingAttempt()
	if attempt == nil || attempt.ConfirmationURL == "" {
		return fmt.Sprintf("Payment request for %s %s is created. Follow the instructions from the payment provider.",
			o.Total.StringFixed(2), o.Currency)
	}
	return fmt.Sprintf("Please pay %s %s here: %s", o.Total.StringFixed(2), o.Currency, attempt.ConfirmationURL)
}

func replyCancelled(reason string) string {
	return "Your order is cancelled. Reason: " + reason
}

func replyPaymentReceived(o *sales.OrderRecord) string {
	return fmt.Sprintf("Payment of %s %s received, thank you! Your order is confirmed.", o.Total.StringFixed(2), o.Currency)
}

func replyItemsChanged(o *sales.OrderRecord) string {
	return fmt.Sprintf("Updated your selection, items now cost %s %s.", o.Subtotal.StringFixed(2), o.Currency)
}

package billing

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// EventType identifies the kind of a provider webhook event.
type EventType string

const (
	EventCheckoutCompleted       EventType = "checkout.completed"
	EventInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice.payment_failed"
	EventSubscriptionDeleted     EventType = "subscription.deleted"
	EventSubscriptionUpdated     EventType = "subscription.updated"
)

// Event is the closed set of provider events the reconciler understands.
// Unknown event types parse into UnknownEvent, which is acknowledged and
// logged rather than rejected — the provider may introduce new kinds at any
// time.
type Event interface {
	EventID() string
	Type() EventType
}

// CheckoutCompleted signals a finished hosted checkout.
type CheckoutCompleted struct {
	ID                     string
	ProviderSessionID      string
	ProviderCustomerID     string
	ProviderSubscriptionID string
	ProviderPriceID        string
	Metadata               map[string]string
}

func (e *CheckoutCompleted) EventID() string { return e.ID }
func (e *CheckoutCompleted) Type() EventType { return EventCheckoutCompleted }

// InvoicePaymentSucceeded signals a paid invoice on a subscription.
type InvoicePaymentSucceeded struct {
	ID                     string
	ProviderInvoiceID      string
	ProviderSubscriptionID string
	Amount                 decimal.Decimal
	Currency               string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	PaidAt                 time.Time
}

func (e *InvoicePaymentSucceeded) EventID() string { return e.ID }
func (e *InvoicePaymentSucceeded) Type() EventType { return EventInvoicePaymentSucceeded }

// InvoicePaymentFailed signals a failed invoice payment attempt.
type InvoicePaymentFailed struct {
	ID                     string
	ProviderInvoiceID      string
	ProviderSubscriptionID string
	FailureMessage         string
}

func (e *InvoicePaymentFailed) EventID() string { return e.ID }
func (e *InvoicePaymentFailed) Type() EventType { return EventInvoicePaymentFailed }

// SubscriptionDeleted signals a terminally canceled subscription.
type SubscriptionDeleted struct {
	ID                     string
	ProviderSubscriptionID string
	CanceledAt             time.Time
}

func (e *SubscriptionDeleted) EventID() string { return e.ID }
func (e *SubscriptionDeleted) Type() EventType { return EventSubscriptionDeleted }

// SubscriptionUpdated mirrors provider-reported subscription fields.
type SubscriptionUpdated struct {
	ID                     string
	ProviderSubscriptionID string
	Status                 string
	CancelAtPeriodEnd      bool
	CurrentPeriodEnd       *time.Time
}

func (e *SubscriptionUpdated) EventID() string { return e.ID }
func (e *SubscriptionUpdated) Type() EventType { return EventSubscriptionUpdated }

// UnknownEvent is any event type outside the closed set.
type UnknownEvent struct {
	ID      string
	RawType string
}

func (e *UnknownEvent) EventID() string { return e.ID }
func (e *UnknownEvent) Type() EventType { return EventType(e.RawType) }

// ParseEvent decodes a provider event envelope {id, type, data: {object}}
// into its typed variant. It must only be called after the signature has
// been verified.
func ParseEvent(body []byte) (Event, error) {
	var (
		id        string
		eventType string
		object    jx.Raw
	)

	d := jx.DecodeBytes(body)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			id, err = d.Str()
		case "type":
			eventType, err = d.Str()
		case "data":
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key == "object" {
					var rawErr error
					object, rawErr = d.Raw()
					return rawErr
				}
				return d.Skip()
			})
		default:
			return d.Skip()
		}
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "decode event envelope")
	}

	if id == "" || eventType == "" {
		return nil, errors.New("event envelope missing id or type")
	}

	switch EventType(eventType) {
	case EventCheckoutCompleted:
		return parseCheckoutCompleted(id, object)
	case EventInvoicePaymentSucceeded:
		return parseInvoicePaid(id, object)
	case EventInvoicePaymentFailed:
		return parseInvoiceFailed(id, object)
	case EventSubscriptionDeleted:
		return parseSubscriptionDeleted(id, object)
	case EventSubscriptionUpdated:
		return parseSubscriptionUpdated(id, object)
	default:
		return &UnknownEvent{ID: id, RawType: eventType}, nil
	}
}

func parseCheckoutCompleted(id string, object jx.Raw) (*CheckoutCompleted, error) {
	e := &CheckoutCompleted{ID: id, Metadata: map[string]string{}}

	d := jx.DecodeBytes(object)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			e.ProviderSessionID, err = d.Str()
		case "customer":
			e.ProviderCustomerID, err = d.Str()
		case "subscription":
			e.ProviderSubscriptionID, err = d.Str()
		case "price_id":
			e.ProviderPriceID, err = d.Str()
		case "metadata":
			return d.Obj(func(d *jx.Decoder, key string) error {
				v, err := d.Str()
				if err != nil {
					return err
				}
				e.Metadata[key] = v
				return nil
			})
		default:
			return d.Skip()
		}
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "decode checkout.completed object")
	}
	return e, nil
}

func parseInvoicePaid(id string, object jx.Raw) (*InvoicePaymentSucceeded, error) {
	e := &InvoicePaymentSucceeded{ID: id}

	d := jx.DecodeBytes(object)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			e.ProviderInvoiceID, err = d.Str()
		case "subscription":
			e.ProviderSubscriptionID, err = d.Str()
		case "amount_paid":
			e.Amount, err = decodeDecimal(d)
		case "currency":
			e.Currency, err = d.Str()
		case "period_start":
			e.PeriodStart, err = decodeUnixPtr(d)
		case "period_end":
			e.PeriodEnd, err = decodeUnixPtr(d)
		case "paid_at":
			var t *time.Time
			t, err = decodeUnixPtr(d)
			if t != nil {
				e.PaidAt = *t
			}
		default:
			return d.Skip()
		}
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "decode invoice.payment_succeeded object")
	}
	return e, nil
}

func parseInvoiceFailed(id string, object jx.Raw) (*InvoicePaymentFailed, error) {
	e := &InvoicePaymentFailed{ID: id}

	d := jx.DecodeBytes(object)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			e.ProviderInvoiceID, err = d.Str()
		case "subscription":
			e.ProviderSubscriptionID, err = d.Str()
		case "failure_message":
			e.FailureMessage, err = d.Str()
		default:
			return d.Skip()
		}
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "decode invoice.payment_failed object")
	}
	return e, nil
}

func parseSubscriptionDeleted(id string, object jx.Raw) (*SubscriptionDeleted, error) {
	e := &SubscriptionDeleted{ID: id}

	d := jx.DecodeBytes(object)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			e.ProviderSubscriptionID, err = d.Str()
		case "canceled_at":
			var t *time.Time
			t, err = decodeUnixPtr(d)
			if t != nil {
				e.CanceledAt = *t
			}
		default:
			return d.Skip()
		}
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "decode subscription.deleted object")
	}
	return e, nil
}

func parseSubscriptionUpdated(id string, object jx.Raw) (*SubscriptionUpdated, error) {
	e := &SubscriptionUpdated{ID: id}

	d := jx.DecodeBytes(object)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			e.ProviderSubscriptionID, err = d.Str()
		case "status":
			e.Status, err = d.Str()
		case "cancel_at_period_end":
			e.CancelAtPeriodEnd, err = d.Bool()
		case "current_period_end":
			e.CurrentPeriodEnd, err = decodeUnixPtr(d)
		default:
			return d.Skip()
		}
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "decode subscription.updated object")
	}
	return e, nil
}

// decodeDecimal reads a JSON number without a float round-trip.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	num, err := d.Num()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(num.String())
}

// decodeUnixPtr reads a unix-seconds timestamp; JSON null yields nil.
func decodeUnixPtr(d *jx.Decoder) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	sec, err := d.Int64()
	if err != nil {
		return nil, err
	}
	t := time.Unix(sec, 0).UTC()
	return &t, nil
}

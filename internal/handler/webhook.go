package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/formaplace/checkout/internal/domain/billing"
	"github.com/formaplace/checkout/internal/provider"
)

// maxWebhookBody bounds provider payload size.
const maxWebhookBody = 1 << 20

type webhookAck struct {
	Received bool `json:"received"`
}

// paymentWebhook receives signed provider events. The signature is verified
// on the raw body before anything is parsed; an invalid signature is
// rejected with no side effects. Processing failures return 500 so the
// provider redelivers; handlers converge under replay.
func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	sig := r.Header.Get(headerProviderSign)
	if err := provider.VerifySignature(h.webhookSecret, sig, body, time.Now()); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	ev, err := billing.ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed event")
		return
	}

	if err := h.reconciler.Handle(r.Context(), ev); err != nil {
		if errors.Is(err, billing.ErrMissingMetadata) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		zctx.From(r.Context()).Error("Webhook processing failed",
			zap.String("event_id", ev.EventID()),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "event processing failed")
		return
	}

	writeJSON(w, http.StatusOK, webhookAck{Received: true})
}

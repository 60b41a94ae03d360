package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/gosubs/pkg/billing"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Notification types and subtypes of App Store Server Notifications V2
const (
	typeSubscribed             = "SUBSCRIBED"
	typeDidRenew               = "DID_RENEW"
	typeDidFailToRenew         = "DID_FAIL_TO_RENEW"
	typeDidChangeRenewalStatus = "DID_CHANGE_RENEWAL_STATUS"
	typeExpired                = "EXPIRED"
	typeGracePeriodExpired     = "GRACE_PERIOD_EXPIRED"
	typeRefund                 = "REFUND"
	typeRevoke                 = "REVOKE"
	typeRenewalExtended        = "RENEWAL_EXTENDED"
	typeTest                   = "TEST"

	subtypeAutoRenewEnabled  = "AUTO_RENEW_ENABLED"
	subtypeAutoRenewDisabled = "AUTO_RENEW_DISABLED"

	offerFreeTrial = "FREE_TRIAL"
)

// notificationPayload is the decoded signedPayload.
type notificationPayload struct {
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype"`
	NotificationUUID string           `json:"notificationUUID"`
	Version          string           `json:"version"`
	SignedDate       int64            `json:"signedDate"`
	Data             notificationData `json:"data"`
	jwt.RegisteredClaims
}

type notificationData struct {
	BundleID              string `json:"bundleId"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
	Status                int    `json:"status"`
}

// transactionInfo is the decoded JWSTransaction.
type transactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	OriginalPurchaseDate  int64  `json:"originalPurchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	AppAccountToken       string `json:"appAccountToken"`
	OfferDiscountType     string `json:"offerDiscountType"`
	Price                 int64  `json:"price"` // milliunits
	Currency              string `json:"currency"`
	Environment           string `json:"environment"`
	jwt.RegisteredClaims
}

// renewalInfo is the decoded JWSRenewalInfo.
type renewalInfo struct {
	OriginalTransactionID  string `json:"originalTransactionId"`
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	AutoRenewProductID     string `json:"autoRenewProductId"`
	IsInBillingRetryPeriod bool   `json:"isInBillingRetryPeriod"`
	GracePeriodExpiresDate int64  `json:"gracePeriodExpiresDate"`
	jwt.RegisteredClaims
}

// ParseWebhook implements billing.WebhookParser. The body is {"signedPayload": "<JWS>"}; the
// payload and the nested transaction and renewal JWS are all verified.
func (p *Provider) ParseWebhook(ctx context.Context, _ http.Header, body []byte) (*gosubs.Notification, error) {
	var envelope struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if envelope.SignedPayload == "" {
		return nil, fmt.Errorf("%w: missing signedPayload", billing.ErrInvalidWebhookSignature)
	}

	var payload notificationPayload
	if err := p.verifier.Verify(envelope.SignedPayload, &payload); err != nil {
		return nil, err
	}
	if payload.NotificationUUID == "" {
		return nil, fmt.Errorf("%w: notification without notificationUUID", billing.ErrInvalidWebhookPayload)
	}
	if p.bundleID != "" && payload.Data.BundleID != "" && payload.Data.BundleID != p.bundleID {
		return nil, fmt.Errorf("%w: notification for bundle %s", billing.ErrInvalidWebhookPayload, payload.Data.BundleID)
	}
	if payload.NotificationType == typeTest {
		return nil, fmt.Errorf("%w: test notification", billing.ErrIgnoredEvent)
	}

	eventType, ok := eventTypeOf(payload.NotificationType, payload.Subtype)
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrIgnoredEvent, rawType(&payload))
	}
	if payload.Data.SignedTransactionInfo == "" {
		return nil, fmt.Errorf("%w: %s without transaction info", billing.ErrInvalidWebhookPayload, rawType(&payload))
	}

	var tx transactionInfo
	if err := p.verifier.Verify(payload.Data.SignedTransactionInfo, &tx); err != nil {
		return nil, err
	}
	var renewal *renewalInfo
	if payload.Data.SignedRenewalInfo != "" {
		renewal = &renewalInfo{}
		if err := p.verifier.Verify(payload.Data.SignedRenewalInfo, renewal); err != nil {
			return nil, err
		}
	}

	if eventType == gosubs.EventPurchased && tx.OfferDiscountType == offerFreeTrial {
		eventType = gosubs.EventTrialStarted
	}

	raw, err := json.Marshal(struct {
		Notification *notificationPayload `json:"notification"`
		Transaction  *transactionInfo     `json:"transaction"`
		Renewal      *renewalInfo         `json:"renewal,omitempty"`
	}{&payload, &tx, renewal})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	n := &gosubs.Notification{
		Provider:        gosubs.ProviderMobileIAP,
		EventID:         payload.NotificationUUID,
		RawType:         rawType(&payload),
		Type:            eventType,
		OccurredAt:      millis(payload.SignedDate),
		SubscriptionRef: tx.OriginalTransactionID,
		ProductID:       tx.ProductID,
		Environment:     environmentOf(payload.Data.Environment),
		PeriodStart:     millis(tx.PurchaseDate),
		PeriodEnd:       millis(tx.ExpiresDate),
		ProviderStatus:  statusOf(payload.Data.Status),
		Payload:         raw,
	}
	if renewal != nil {
		n.CancelAtPeriodEnd = renewal.AutoRenewStatus == 0
	}

	switch eventType {
	case gosubs.EventPurchased, gosubs.EventRenewalSucceeded, gosubs.EventRefunded:
		n.Charge = &gosubs.Charge{Ref: tx.TransactionID, Amount: minorUnits(tx.Price), Currency: tx.Currency}
	}

	n.UserID, err = p.userIDOf(ctx, &tx)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// eventTypeOf maps a notification type and subtype to the engine's event type. Types with no
// subscription state change report false.
func eventTypeOf(notificationType, subtype string) (gosubs.EventType, bool) {
	switch notificationType {
	case typeSubscribed:
		return gosubs.EventPurchased, true
	case typeDidRenew:
		return gosubs.EventRenewalSucceeded, true
	case typeDidFailToRenew:
		return gosubs.EventRenewalFailed, true
	case typeDidChangeRenewalStatus:
		switch subtype {
		case subtypeAutoRenewDisabled:
			return gosubs.EventCancelled, true
		case subtypeAutoRenewEnabled:
			return gosubs.EventReactivated, true
		}
	case typeExpired, typeGracePeriodExpired, typeRevoke:
		return gosubs.EventExpired, true
	case typeRefund:
		return gosubs.EventRefunded, true
	case typeRenewalExtended:
		return gosubs.EventSnapshot, true
	}
	return gosubs.EventUnknown, false
}

func rawType(p *notificationPayload) string {
	if p.Subtype == "" {
		return p.NotificationType
	}
	return p.NotificationType + "." + p.Subtype
}

// statusOf maps the App Store subscription status code (1 active, 2 expired, 3 billing
// retry, 4 grace period, 5 revoked).
func statusOf(code int) gosubs.Status {
	switch code {
	case 1:
		return gosubs.StatusActive
	case 2, 5:
		return gosubs.StatusCancelled
	case 3, 4:
		return gosubs.StatusPastDue
	}
	return ""
}

// minorUnits converts App Store milliunits (9990 for 9.99) to minor currency units.
func minorUnits(milli int64) int64 {
	return milli / 10
}

// userIDOf prefers the appAccountToken the app attached to the purchase.
func (p *Provider) userIDOf(ctx context.Context, tx *transactionInfo) (string, error) {
	if token := strings.TrimSpace(tx.AppAccountToken); token != "" {
		return token, nil
	}
	if p.userIDResolver == nil || tx.OriginalTransactionID == "" {
		return "", nil
	}
	id, err := p.userIDResolver(ctx, tx.OriginalTransactionID)
	if err != nil {
		if errors.Is(err, gosubs.ErrSubscriptionNotFound) {
			return "", nil
		}
		return "", gosubs.Transient(fmt.Errorf("failed to resolve user for %s: %w", tx.OriginalTransactionID, err))
	}
	return id, nil
}

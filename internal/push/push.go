// Package push sends best-effort Web Push notifications, currently only for
// calls that could not be delivered to an offline callee.
package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"github.com/marska/chatline/internal/models"
)

var ErrSubscriptionNotFound = errors.New("push subscription not found")

// VAPIDKeys identifies this server to push services.
type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

type Notifier struct {
	db     *gorm.DB
	keys   VAPIDKeys
	logger *slog.Logger
}

func NewNotifier(db *gorm.DB, keys VAPIDKeys, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{db: db, keys: keys, logger: logger}
}

func (n *Notifier) PublicKey() string {
	return n.keys.PublicKey
}

// Subscribe stores the user's push endpoint, replacing any previous
// subscriptions so only the latest browser registration is kept.
func (n *Notifier) Subscribe(userID, endpoint, p256dh, auth string) (models.PushSubscription, error) {
	if err := n.db.Where("user_id = ?", userID).Delete(&models.PushSubscription{}).Error; err != nil {
		n.logger.Warn("failed to delete old push subscriptions", "user_id", userID, "error", err)
	}

	sub := models.PushSubscription{
		UserID:   userID,
		Endpoint: endpoint,
		P256DH:   p256dh,
		Auth:     auth,
	}
	if err := n.db.Create(&sub).Error; err != nil {
		return models.PushSubscription{}, fmt.Errorf("failed to store push subscription: %w", err)
	}
	return sub, nil
}

func (n *Notifier) Unsubscribe(userID, endpoint string) error {
	result := n.db.Where("user_id = ? AND endpoint = ?", userID, endpoint).Delete(&models.PushSubscription{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// NotifyMissedCall pushes a missed-call notification to every subscription
// of userID. Fire-and-forget: delivery runs on its own goroutine and
// failures are only logged.
func (n *Notifier) NotifyMissedCall(userID, fromUserID string, kind models.CallKind) {
	go n.sendMissedCall(userID, fromUserID, kind)
}

func (n *Notifier) sendMissedCall(userID, fromUserID string, kind models.CallKind) {
	var subs []models.PushSubscription
	if err := n.db.Where("user_id = ?", userID).Find(&subs).Error; err != nil {
		n.logger.Error("failed to load push subscriptions", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"title": "Missed call",
		"body":  fmt.Sprintf("Missed %s call", kind),
		"data": map[string]any{
			"from_user_id": fromUserID,
			"call_kind":    kind,
		},
	})
	if err != nil {
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      n.keys.Subject,
			VAPIDPublicKey:  n.keys.PublicKey,
			VAPIDPrivateKey: n.keys.PrivateKey,
			TTL:             60,
		})
		if err != nil {
			n.logger.Warn("push delivery failed", "user_id", userID, "error", err)
			continue
		}

		// Gone/not-found means the browser dropped the subscription.
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			n.db.Delete(&sub)
		}
		resp.Body.Close()
	}
}

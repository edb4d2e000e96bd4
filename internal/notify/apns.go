package notify

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"
)

// APNS delivers events as Apple push notifications to the device tokens
// registered for a pair.
type APNS struct {
	client *apns2.Client
	topic  string

	mu     sync.RWMutex
	tokens map[string]string // device token by account ID
}

// NewAPNS loads the p12 certificate at certPath and returns a production
// APNs notifier for the given bundle topic.
func NewAPNS(certPath, certPassword, topic string) (*APNS, error) {
	cert, err := certificate.FromP12File(certPath, certPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs certificate: %w", err)
	}
	return &APNS{
		client: apns2.NewClient(cert).Production(),
		topic:  topic,
		tokens: make(map[string]string),
	}, nil
}

// RegisterToken associates a device push token with an account.
func (a *APNS) RegisterToken(accountID, deviceToken string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[accountID] = deviceToken
}

// Notify implements Notifier. Delivery failures are logged, never surfaced:
// a missed push must not fail the sync that produced it.
func (a *APNS) Notify(event Event) {
	a.mu.RLock()
	tokens := make([]string, 0, len(a.tokens))
	for _, t := range a.tokens {
		tokens = append(tokens, t)
	}
	a.mu.RUnlock()

	body := payload.NewPayload().
		AlertTitle(event.Title).
		AlertBody(event.Message).
		Sound("default")

	for _, token := range tokens {
		notification := &apns2.Notification{
			DeviceToken: token,
			Topic:       a.topic,
			Payload:     body,
		}
		res, err := a.client.Push(notification)
		if err != nil {
			log.Error().Err(err).Str("kind", string(event.Kind)).Msg("Failed to push notification")
			continue
		}
		if !res.Sent() {
			log.Warn().
				Str("kind", string(event.Kind)).
				Str("reason", res.Reason).
				Msg("APNs rejected notification")
		}
	}
}

package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/sony/gobreaker/v2"

	appLog "prayerd/internal/log"
)

// Subscription is a browser push subscription.
type Subscription struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	P256dh   string `json:"p256dh" yaml:"p256dh"`
	Auth     string `json:"auth" yaml:"auth"`
}

// WebPushConfig holds VAPID credentials and the subscriptions to notify.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Contact         string
	TTL             int
	Subscriptions   []Subscription
}

// sendFunc matches webpush.SendNotification.
type sendFunc func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// WebPushNotifier delivers fired triggers as web push messages. Each
// subscription gets its own circuit breaker so one dead endpoint stops
// being retried on every prayer without affecting the others.
type WebPushNotifier struct {
	cfg      WebPushConfig
	send     sendFunc
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// NewWebPushNotifier validates cfg and builds one breaker per subscription.
func NewWebPushNotifier(cfg WebPushConfig) (*WebPushNotifier, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" || cfg.Contact == "" {
		return nil, errors.New("webpush: VAPID public key, private key and contact are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 3600
	}

	n := &WebPushNotifier{
		cfg:      cfg,
		send:     webpush.SendNotification,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response], len(cfg.Subscriptions)),
	}
	for _, sub := range cfg.Subscriptions {
		n.breakers[sub.Endpoint] = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "webpush:" + redactEndpoint(sub.Endpoint),
			MaxRequests: 1,
			Timeout:     30 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return n, nil
}

type pushMessage struct {
	Title string  `json:"title"`
	Body  string  `json:"body"`
	Tag   string  `json:"tag"`
	Data  Payload `json:"data"`
}

// Notify implements Notifier. It returns the joined errors of failed
// subscriptions; successful ones are not affected.
func (n *WebPushNotifier) Notify(_ context.Context, id string, p Payload) error {
	msg := pushMessage{Title: title(p), Body: body(p), Tag: id, Data: p}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("webpush: marshal payload: %w", err)
	}

	var errs []error
	for _, sub := range n.cfg.Subscriptions {
		if err := n.sendOne(sub, data); err != nil {
			appLog.Error("webpush delivery failed", err, "id", id, "endpoint", redactEndpoint(sub.Endpoint))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *WebPushNotifier) sendOne(sub Subscription, data []byte) error {
	cb := n.breakers[sub.Endpoint]
	resp, err := cb.Execute(func() (*http.Response, error) {
		resp, err := n.send(data, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}, &webpush.Options{
			Subscriber:      n.cfg.Contact,
			VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
			VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
			TTL:             n.cfg.TTL,
			Urgency:         webpush.UrgencyHigh,
		})
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, fmt.Errorf("push rejected with status %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		return fmt.Errorf("webpush: %w", err)
	}
	resp.Body.Close()
	return nil
}

func title(p Payload) string {
	if p.Event == "" {
		return "Prayer time"
	}
	name := strings.ToUpper(string(p.Event[:1])) + string(p.Event[1:])
	if p.PreAlarm {
		return fmt.Sprintf("%s in %d minutes", name, p.LeadMinutes)
	}
	return name
}

func body(p Payload) string {
	if p.PreAlarm {
		return fmt.Sprintf("Reminder for %s on %s", p.Event, p.Date)
	}
	return fmt.Sprintf("It is time for %s (%s)", p.Event, p.Date)
}

// redactEndpoint keeps only scheme and host of a push endpoint for logs.
func redactEndpoint(u string) string {
	i := strings.Index(u, "://")
	if i < 0 {
		return "push://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + "/...(redacted)"
}

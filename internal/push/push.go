// Package push delivers notifications to subscriber devices.
//
// A subscription carries an opaque descriptor. JSON Web Push subscriptions
// ({"endpoint": ..., "keys": {...}}) go through VAPID Web Push; descriptors
// of the form "tg:<chat id>" go to a Telegram chat. Every send resolves to
// one Outcome; errors only add detail for logs.
package push

import (
	"context"
	"errors"
	"strings"
)

type Outcome int

const (
	Delivered Outcome = iota
	// PermanentlyInvalid: the descriptor will never work again (unsubscribed,
	// expired, malformed, blocked).
	PermanentlyInvalid
	// TransientFailure: anything that may succeed later.
	TransientFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case PermanentlyInvalid:
		return "permanently_invalid"
	default:
		return "transient_failure"
	}
}

var (
	ErrEmptyDescriptor = errors.New("empty push descriptor")
	ErrNotConfigured   = errors.New("push channel not configured")
)

// Message is a rendered notification.
type Message struct {
	Title string
	Body  string
	URL   string
	Tag   string
}

// Sender delivers one message to one descriptor.
type Sender interface {
	Send(ctx context.Context, descriptor string, msg Message) (Outcome, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, descriptor string, msg Message) (Outcome, error)

func (f SenderFunc) Send(ctx context.Context, descriptor string, msg Message) (Outcome, error) {
	return f(ctx, descriptor, msg)
}

const telegramPrefix = "tg:"

// Router picks a channel by descriptor shape. Nil channels are treated as
// not configured.
type Router struct {
	WebPush  Sender
	Telegram Sender
}

func (r *Router) Send(ctx context.Context, descriptor string, msg Message) (Outcome, error) {
	d := strings.TrimSpace(descriptor)
	switch {
	case d == "":
		return PermanentlyInvalid, ErrEmptyDescriptor
	case strings.HasPrefix(d, telegramPrefix):
		if r.Telegram == nil {
			return TransientFailure, ErrNotConfigured
		}
		return r.Telegram.Send(ctx, d, msg)
	default:
		if r.WebPush == nil {
			return TransientFailure, ErrNotConfigured
		}
		return r.WebPush.Send(ctx, d, msg)
	}
}

// ClassifyStatus maps a push service HTTP status to an Outcome.
func ClassifyStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return Delivered
	case code == 404 || code == 410:
		return PermanentlyInvalid
	default:
		return TransientFailure
	}
}

// Package notify is the outbound notification seam. Real deployments
// plug in mail or chat; the default just logs.
package notify

import "github.com/rs/zerolog"

// Notifier delivers one operator-facing message.
type Notifier interface {
	Notify(subject, body string)
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(subject, body string) {
	n.Log.Info().Str("subject", subject).Msg(body)
}

// Func adapts a function to Notifier.
type Func func(subject, body string)

func (f Func) Notify(subject, body string) { f(subject, body) }

// Package monitor implements the Bubble Tea terminal monitor of the link.
package monitor

import (
	"time"

	"m2dash/internal/domain"
)

// EnvelopeMsg carries one dispatched envelope into the program.
type EnvelopeMsg struct {
	Envelope domain.Envelope
	At       time.Time
}

// tickMsg triggers a snapshot refresh.
type tickMsg time.Time

// releasedMsg reports a finished freeze release.
type releasedMsg struct {
	Drained int
}
